// Package dispatch implements the destination queue worker: a
// per-destination goroutine that drains a bounded in-memory queue, invokes
// the destination's Send, and applies the retry/backpressure/rotate policy.
// When a destination has queueing disabled, sends happen synchronously on
// the caller's goroutine instead.
package dispatch

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/connector"
	"github.com/jeeves-cluster-organization/channelengine/enginerecover"
	"github.com/jeeves-cluster-organization/channelengine/observability"
)

// Settings is the per-destination queue configuration.
type Settings struct {
	QueueEnabled bool
	ThreadCount  int
	BufferSize   int
	RetryCount   int
	RetryInterval time.Duration
	Rotate       bool
	SendFirst    bool
	// QueueOnResponseStatus is the set of destination-originated Response
	// statuses that cause a re-enqueue instead of treating the
	// response as terminal. "ERROR" is always retried up to RetryCount
	// regardless of this set.
	QueueOnResponseStatus map[string]bool
}

// Item is one unit of dispatcher work: a destination ConnectorMessage's
// already-transformed/encoded body, tracked through retries.
type Item struct {
	MessageID    int64
	ConnectorMap map[string]any
	Body         string
	Attempts     int

	// retry paces and bounds this item's retries; created on the first
	// failure and carried across requeues so RetryCount is per message,
	// not per worker.
	retry backoff.BackOff
}

// ResultHandler is invoked once an Item reaches a terminal outcome (SENT,
// FILTERED, terminal ERROR, or terminal QUEUED under the conservative
// queueOnResponseStatus rule) so the caller can persist the final
// ConnectorMessage status and content.
type ResultHandler func(ctx context.Context, item Item, resp connector.Response, err error)

// Worker drains one destination's queue. It implements pipeline.Sender so
// the pipeline engine can hand it a send attempt without knowing whether
// queueing is enabled.
type Worker struct {
	ChannelID   string
	MetaDataID  int
	Destination connector.Destination
	Settings    Settings
	OnResult    ResultHandler
	Logger      celog.Logger

	mu      sync.Mutex
	queue   *list.List // of *Item
	notify  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New returns a Worker for one destination. Start must be called before
// Send enqueues anything when Settings.QueueEnabled is true.
func New(channelID string, metaDataID int, dest connector.Destination, settings Settings, onResult ResultHandler, logger celog.Logger) *Worker {
	if logger == nil {
		logger = celog.Noop()
	}
	if settings.ThreadCount <= 0 {
		settings.ThreadCount = 1
	}
	if settings.BufferSize <= 0 {
		settings.BufferSize = 1000
	}
	return &Worker{
		ChannelID:   channelID,
		MetaDataID:  metaDataID,
		Destination: dest,
		Settings:    settings,
		OnResult:    onResult,
		Logger:      logger.Bind("component", "dispatcher", "channel", channelID, "meta_data_id", metaDataID),
		queue:       list.New(),
		notify:      make(chan struct{}, 1),
	}
}

// Start launches ThreadCount worker goroutines draining the queue. A no-op
// when queueing is disabled.
func (w *Worker) Start(ctx context.Context) {
	if !w.Settings.QueueEnabled {
		return
	}
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{}, w.Settings.ThreadCount)
	w.running = true
	w.mu.Unlock()

	for i := 0; i < w.Settings.ThreadCount; i++ {
		enginerecover.SafeGo(w.Logger, "dispatch_worker", func() { w.loop(runCtx) }, nil)
	}
}

// Stop waits up to grace for the queue to empty, then cancels the workers'
// context as Halt does. An item that is mid-send or waiting out a retry
// delay at that moment is abandoned by the cancellation, not finished.
func (w *Worker) Stop(grace time.Duration) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && w.Depth() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	w.halt()
}

// Halt cancels the worker's context immediately, abandoning in-flight
// retries without draining.
func (w *Worker) Halt() {
	w.halt()
}

func (w *Worker) halt() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Depth returns the current queue length, backing the
// channelengine_destination_queue_depth gauge.
func (w *Worker) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// Send is the pipeline.Sender entry point.
// When queueing is disabled, it sends synchronously. When SendFirst is
// set, the first attempt is synchronous and only a failure is queued.
// Otherwise the item is enqueued for the background workers and Send
// returns immediately with a QUEUED response, honoring the bufferSize
// backpressure by blocking here when the queue is full.
func (w *Worker) Send(ctx context.Context, messageID int64, metaDataID int, body string, connectorMap map[string]any) (connector.Response, error) {
	item := Item{MessageID: messageID, ConnectorMap: connectorMap, Body: body}

	if !w.Settings.QueueEnabled || w.Settings.SendFirst {
		resp, err := w.attempt(ctx, &item)
		if err == nil || !w.Settings.QueueEnabled {
			return resp, err
		}
		// SendFirst failed: the item falls through to the queue, where the
		// retry policy takes over.
		item.Attempts++
	}

	if err := w.enqueue(ctx, &item, true); err != nil {
		return connector.Response{}, err
	}
	return connector.Response{Status: "QUEUED"}, nil
}

// enqueue blocks (subject to ctx) while the queue is at BufferSize,
// implementing backpressure at the pipeline's fan-out step. tail appends to the back (normal enqueue); retries controlled
// by Rotate decide head-vs-tail placement themselves via requeue.
func (w *Worker) enqueue(ctx context.Context, item *Item, tail bool) error {
	for {
		w.mu.Lock()
		if w.queue.Len() < w.Settings.BufferSize {
			if tail {
				w.queue.PushBack(item)
			} else {
				w.queue.PushFront(item)
			}
			w.mu.Unlock()
			select {
			case w.notify <- struct{}{}:
			default:
			}
			observability.SetQueueDepth(w.ChannelID, w.MetaDataID, w.Depth())
			return nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (w *Worker) dequeue(ctx context.Context) (*Item, bool) {
	for {
		w.mu.Lock()
		if front := w.queue.Front(); front != nil {
			w.queue.Remove(front)
			w.mu.Unlock()
			observability.SetQueueDepth(w.ChannelID, w.MetaDataID, w.Depth())
			return front.Value.(*Item), true
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-w.notify:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// loop is one worker goroutine's drain cycle: dequeue, attempt, and either
// report a terminal result or requeue per the retry/rotate policy. The
// item's backoff policy owns both the retry delay and the RetryCount
// bound: NextBackOff returning backoff.Stop means retries are exhausted.
func (w *Worker) loop(ctx context.Context) {
	for {
		item, ok := w.dequeue(ctx)
		if !ok {
			return
		}

		resp, err := w.attempt(ctx, item)
		if w.wantsRetry(resp, err) {
			if item.retry == nil {
				item.retry = w.retryPolicy()
			}
			if delay := item.retry.NextBackOff(); delay != backoff.Stop {
				item.Attempts++
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				_ = w.enqueue(ctx, item, w.Settings.Rotate)
				continue
			}
			// retries exhausted: fall through to the terminal result
		}

		if w.OnResult != nil {
			enginerecover.SafeExecute(w.Logger, "dispatch_result", func() error {
				w.OnResult(ctx, *item, resp, err)
				return nil
			})
		}
	}
}

// retryPolicy builds one item's retry pacing: a constant RetryInterval
// between attempts, capped at RetryCount retries per message.
func (w *Worker) retryPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(w.Settings.RetryInterval), uint64(w.Settings.RetryCount))
}

// wantsRetry applies the Response.status -> retry mapping: a transport
// ERROR retries until the item's backoff policy is exhausted; a
// destination-originated QUEUED retries only if queueOnResponseStatus asks
// for it, and is otherwise terminal, requiring manual release.
func (w *Worker) wantsRetry(resp connector.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.Status == "QUEUED" && w.Settings.QueueOnResponseStatus["QUEUED"]
}

// attempt runs exactly one send.
func (w *Worker) attempt(ctx context.Context, item *Item) (connector.Response, error) {
	resp, err := w.Destination.Send(ctx, item.Body, item.ConnectorMap)
	if err != nil {
		err = ceerrors.NewTransport(err, "destination %s send failed", w.Destination.Name())
	}
	return resp, err
}
