// Package events is the per-channel event bus: one producer (the
// engine controller and pipeline engine) fans state and message-processed
// notifications out to any number of subscribers (metrics, audit log,
// cluster replication). Each Bus owns a single emission goroutine draining
// a publish queue, so events are delivered to subscribers in publish
// order; the RWMutex-protected subscriber list is snapshotted per event,
// with unique per-subscription ids for unsubscribe.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/jeeves-cluster-organization/channelengine/celog"
)

// Type names the event kinds the bus carries.
type Type string

const (
	TypeStateChanged     Type = "StateChanged"
	TypeMessageProcessed Type = "MessageProcessed"
)

// StateChanged is published by channelstate.Listener wiring whenever a
// channel's state machine completes a legal transition.
type StateChanged struct {
	ChannelID string
	From      string
	To        string
}

// MessageProcessed is published once a message finishes the pipeline
// (every destination has reached a terminal status or been filtered out).
type MessageProcessed struct {
	ChannelID  string
	MessageID  int64
	Successful bool
}

// Event is the envelope every subscriber receives; exactly one of the
// typed fields is populated, matching Type.
type Event struct {
	Type             Type
	StateChanged     *StateChanged
	MessageProcessed *MessageProcessed
}

// Handler receives one Event on the bus's emission goroutine. A slow
// Handler delays every later event on this channel's bus, so handlers
// should hand long work off to their own goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a single-channel-scoped event bus.
type Bus struct {
	channelID   string
	logger      celog.Logger
	mu          sync.RWMutex
	subscribers []subscription
	nextID      uint64

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Bus scoped to channelID and starts its emission goroutine.
// logger may be nil (celog.Noop() is used). Close must be called when the
// channel is undeployed.
func New(channelID string, logger celog.Logger) *Bus {
	if logger == nil {
		logger = celog.Noop()
	}
	b := &Bus{
		channelID: channelID,
		logger:    logger,
		queue:     make(chan Event, 256),
		done:      make(chan struct{}),
	}
	go b.emitLoop()
	return b
}

// Close stops the emission goroutine after it drains whatever was already
// enqueued. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Subscribe registers handler and returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers = append(b.subscribers, subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a handler previously returned by Subscribe.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// emitLoop is the bus's single emission goroutine: events are delivered
// one at a time, in publish order.
func (b *Bus) emitLoop() {
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.done:
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver invokes every current subscriber sequentially, with per-handler
// panic recovery so one bad handler cannot starve the rest.
func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("event_no_subscribers", "channel", b.channelID, "type", ev.Type)
		return
	}

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event_handler_panic", "channel", b.channelID, "type", ev.Type, "panic", r)
				}
			}()
			s.handler(ev)
		}()
	}
}

// publish enqueues ev for the emission goroutine, blocking when the queue
// is full (slow subscribers apply backpressure to publishers). After Close
// the event is dropped.
func (b *Bus) publish(ev Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- ev:
	case <-b.done:
	}
}

// PublishStateChanged publishes a StateChanged event.
func (b *Bus) PublishStateChanged(from, to string) {
	b.publish(Event{
		Type:         TypeStateChanged,
		StateChanged: &StateChanged{ChannelID: b.channelID, From: from, To: to},
	})
}

// PublishMessageProcessed publishes a MessageProcessed event.
func (b *Bus) PublishMessageProcessed(messageID int64, successful bool) {
	b.publish(Event{
		Type: TypeMessageProcessed,
		MessageProcessed: &MessageProcessed{
			ChannelID:  b.channelID,
			MessageID:  messageID,
			Successful: successful,
		},
	})
}
