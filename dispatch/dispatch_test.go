package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/connector"
)

// fakeDestination records every Send call and returns a scripted sequence
// of (Response, error) results, answering attempts beyond the script with
// SENT.
type fakeDestination struct {
	mu      sync.Mutex
	results []result
	calls   int
}

type result struct {
	resp connector.Response
	err  error
}

func (f *fakeDestination) Name() string                      { return "fake" }
func (f *fakeDestination) Start(ctx context.Context) error    { return nil }
func (f *fakeDestination) Stop(ctx context.Context) error     { return nil }
func (f *fakeDestination) Send(ctx context.Context, body string, connectorMap map[string]any) (connector.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.results) {
		return f.results[idx].resp, f.results[idx].err
	}
	return connector.Response{Status: "SENT"}, nil
}

func (f *fakeDestination) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSendSynchronousWhenQueueDisabled(t *testing.T) {
	dest := &fakeDestination{results: []result{{resp: connector.Response{Status: "SENT"}}}}
	w := New("chan-1", 1, dest, Settings{}, nil, celog.Noop())

	resp, err := w.Send(context.Background(), 1, 1, "body", nil)
	require.NoError(t, err)
	assert.Equal(t, "SENT", resp.Status)
	assert.Equal(t, 1, dest.callCount())
}

func TestSendQueuesAndRetriesUntilSuccess(t *testing.T) {
	dest := &fakeDestination{results: []result{
		{err: assert.AnError},
		{err: assert.AnError},
		{resp: connector.Response{Status: "SENT"}},
	}}

	var mu sync.Mutex
	var finalResp connector.Response
	var finalErr error
	done := make(chan struct{})

	w := New("chan-1", 1, dest, Settings{
		QueueEnabled: true, BufferSize: 10, RetryCount: 5, RetryInterval: time.Millisecond,
	}, func(ctx context.Context, item Item, resp connector.Response, err error) {
		mu.Lock()
		finalResp, finalErr = resp, err
		mu.Unlock()
		close(done)
	}, celog.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	resp, err := w.Send(ctx, 1, 1, "body", nil)
	require.NoError(t, err)
	assert.Equal(t, "QUEUED", resp.Status)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry to complete")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, finalErr)
	assert.Equal(t, "SENT", finalResp.Status)
	assert.GreaterOrEqual(t, dest.callCount(), 3)
}

func TestRetryExhaustionYieldsTerminalError(t *testing.T) {
	failures := make([]result, 10)
	for i := range failures {
		failures[i] = result{err: assert.AnError}
	}
	dest := &fakeDestination{results: failures}

	var mu sync.Mutex
	var finalErr error
	done := make(chan struct{})

	w := New("chan-1", 1, dest, Settings{
		QueueEnabled: true, BufferSize: 10, RetryCount: 2, RetryInterval: time.Millisecond,
	}, func(ctx context.Context, item Item, resp connector.Response, err error) {
		mu.Lock()
		finalErr = err
		mu.Unlock()
		close(done)
	}, celog.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	_, err := w.Send(ctx, 1, 1, "body", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry exhaustion")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, finalErr)
	// first attempt plus RetryCount retries
	assert.Equal(t, 3, dest.callCount())
}

func TestSendFirstOnlyQueuesOnFailure(t *testing.T) {
	dest := &fakeDestination{results: []result{{resp: connector.Response{Status: "SENT"}}}}
	w := New("chan-1", 1, dest, Settings{QueueEnabled: true, BufferSize: 10, SendFirst: true}, nil, celog.Noop())

	resp, err := w.Send(context.Background(), 1, 1, "body", nil)
	require.NoError(t, err)
	assert.Equal(t, "SENT", resp.Status)
	assert.Equal(t, 1, dest.callCount())
	assert.Zero(t, w.Depth())
}

func TestHaltStopsWorkerLoop(t *testing.T) {
	dest := &fakeDestination{}
	w := New("chan-1", 1, dest, Settings{QueueEnabled: true, BufferSize: 10}, nil, celog.Noop())
	w.Start(context.Background())
	w.Halt()
	// Halt should be idempotent and not panic when called again.
	w.Halt()
}
