package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishStateChangedFansOutToAllSubscribers(t *testing.T) {
	b := New("chan-1", nil)
	defer b.Close()

	var mu sync.Mutex
	var received []Event
	var wg sync.WaitGroup
	wg.Add(2)

	for i := 0; i < 2; i++ {
		b.Subscribe(func(ev Event) {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
			wg.Done()
		})
	}

	b.PublishStateChanged("DEPLOYING", "DEPLOYED_STARTED")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribers")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, TypeStateChanged, received[0].Type)
	assert.Equal(t, "chan-1", received[0].StateChanged.ChannelID)
	assert.Equal(t, "DEPLOYED_STARTED", received[0].StateChanged.To)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New("chan-1", nil)
	defer b.Close()
	var calls int
	var mu sync.Mutex

	id := b.Subscribe(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	b.Unsubscribe(id)

	b.PublishMessageProcessed(1, true)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestPublishWithNoSubscribersDoesNotPanic(t *testing.T) {
	b := New("chan-1", nil)
	defer b.Close()
	assert.NotPanics(t, func() {
		b.PublishStateChanged("a", "b")
	})
}

func TestEventsDeliveredInPublishOrder(t *testing.T) {
	b := New("chan-1", nil)
	defer b.Close()

	const n = 50
	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(n)

	b.Subscribe(func(ev Event) {
		mu.Lock()
		order = append(order, ev.StateChanged.To)
		mu.Unlock()
		wg.Done()
	})

	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("state-%03d", i)
		b.PublishStateChanged("prev", want[i])
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := New("chan-1", nil)

	var mu sync.Mutex
	var calls int
	b.Subscribe(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.Close()
	b.PublishStateChanged("a", "b")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestHandlerPanicDoesNotAffectOtherHandlers(t *testing.T) {
	b := New("chan-1", nil)
	defer b.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	var secondCalled bool
	var mu sync.Mutex

	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
		wg.Done()
	})

	b.PublishStateChanged("a", "b")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, secondCalled)
}
