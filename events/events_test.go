package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events and signals when a target count arrives.
type collector struct {
	mu     sync.Mutex
	events []JobEvent
	gotN   chan struct{}
	want   int
}

func newCollector(want int) *collector {
	return &collector{gotN: make(chan struct{}), want: want}
}

func (c *collector) HandleEvent(_ context.Context, event JobEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	if len(c.events) == c.want {
		close(c.gotN)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []JobEvent {
	t.Helper()
	select {
	case <-c.gotN:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]JobEvent(nil), c.events...)
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	c := newCollector(10)
	sub, err := bus.Register(c)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		bus.Publish(ctx, JobEvent{JobID: "j1", Phase: PhaseProgress, Channel: fmt.Sprintf("c%d", i)})
	}

	got := c.wait(t)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("c%d", i), ev.Channel)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp is stamped on publish")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := newCollector(1)
	b := newCollector(1)
	subA, err := bus.Register(a)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bus.Register(b)
	require.NoError(t, err)
	defer subB.Close()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(context.Background(), JobEvent{JobID: "j1", Phase: PhaseStatus, Status: "completed"})
	assert.Equal(t, "j1", a.wait(t)[0].JobID)
	assert.Equal(t, "j1", b.wait(t)[0].JobID)
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	bus := NewBus()
	block := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	sub, err := bus.Register(SubscriberFunc(func(_ context.Context, ev JobEvent) error {
		<-block
		mu.Lock()
		seen = append(seen, ev.Channel)
		mu.Unlock()
		return nil
	}), WithQueueSize(2), WithOverflow(DropOldest))
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(ctx, JobEvent{Channel: fmt.Sprintf("c%d", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
	close(block)
}

func TestDropOldestKeepsNewest(t *testing.T) {
	bus := NewBus()
	block := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	var once sync.Once
	sub, err := bus.Register(SubscriberFunc(func(_ context.Context, ev JobEvent) error {
		once.Do(func() { close(started) })
		<-block
		mu.Lock()
		seen = append(seen, ev.Channel)
		mu.Unlock()
		return nil
	}), WithQueueSize(1), WithOverflow(DropOldest))
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	// First event occupies the delivery goroutine.
	bus.Publish(ctx, JobEvent{Channel: "first"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never started")
	}
	// These contend for the single queue slot; the newest must win.
	bus.Publish(ctx, JobEvent{Channel: "old"})
	bus.Publish(ctx, JobEvent{Channel: "newest"})
	close(block)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1] == "newest"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnectOverflowClosesSubscription(t *testing.T) {
	bus := NewBus()
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	closed := make(chan struct{})
	var once sync.Once
	_, err := bus.Register(SubscriberFunc(func(context.Context, JobEvent) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	}), WithQueueSize(1), WithOverflow(Disconnect), WithCloseHook(func() { close(closed) }))
	require.NoError(t, err)

	ctx := context.Background()
	bus.Publish(ctx, JobEvent{Channel: "a"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never started")
	}
	bus.Publish(ctx, JobEvent{Channel: "b"}) // fills the queue
	bus.Publish(ctx, JobEvent{Channel: "c"}) // overflows

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("overflow did not disconnect the subscriber")
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestSubscriberErrorClosesSubscription(t *testing.T) {
	bus := NewBus()
	closed := make(chan struct{})
	_, err := bus.Register(SubscriberFunc(func(context.Context, JobEvent) error {
		return fmt.Errorf("write failed")
	}), WithCloseHook(func() { close(closed) }))
	require.NoError(t, err)

	bus.Publish(context.Background(), JobEvent{JobID: "j1"})
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("failing subscriber was not closed")
	}
}

func TestCloseIsIdempotentAndRunsHookOnce(t *testing.T) {
	bus := NewBus()
	var hooks int
	var mu sync.Mutex
	sub, err := bus.Register(SubscriberFunc(func(context.Context, JobEvent) error { return nil }),
		WithCloseHook(func() {
			mu.Lock()
			hooks++
			mu.Unlock()
		}))
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	mu.Lock()
	assert.Equal(t, 1, hooks)
	mu.Unlock()
	assert.Equal(t, 0, bus.SubscriberCount())
}
