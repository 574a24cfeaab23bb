// Package events delivers job state transitions to subscribers: the WebSocket
// fan-out, the metrics recorder, and the optional Pulse stream tier. Delivery
// is asynchronous; a slow subscriber never blocks publishers. Each subscriber
// owns a bounded queue with an overflow policy: metrics-style subscribers
// drop the oldest event (newest wins), transport-style subscribers are
// disconnected.
//
// Ordering guarantee: events published from one goroutine are delivered to
// each subscriber in publish order, so per-channel started → finished and the
// terminal-last property hold per job.
package events

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/publish"
)

type (
	// Phase classifies a job event.
	Phase string

	// JobEvent is one job state transition delivered to subscribers.
	JobEvent struct {
		// JobID identifies the job.
		JobID string `json:"job_id"`
		// CorrelationID is the externally visible request identifier.
		CorrelationID string `json:"correlation_id"`
		// Channel is set for per-channel phases, empty for job-level events.
		Channel string `json:"channel,omitempty"`
		// Phase classifies the event.
		Phase Phase `json:"phase"`
		// Status carries the job status on job-level events.
		Status string `json:"status,omitempty"`
		// Result carries the channel result on finished events.
		Result *publish.Result `json:"result,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Subscriber reacts to job events. HandleEvent runs on the subscriber's
	// own delivery goroutine; returning an error closes the subscription.
	Subscriber interface {
		HandleEvent(ctx context.Context, event JobEvent) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event JobEvent) error

	// Overflow selects the behavior when a subscriber's queue is full.
	Overflow int

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// Bus fans job events out to registered subscribers asynchronously.
	// Publish never blocks and never fails: event delivery problems are the
	// subscriber's, not the publisher's.
	Bus struct {
		mu   sync.RWMutex
		subs map[*subscription]struct{}
	}

	subscription struct {
		bus       *Bus
		sub       Subscriber
		queue     chan JobEvent
		overflow  Overflow
		once      sync.Once
		done      chan struct{}
		closeHook func()
	}

	// Option configures a registration.
	Option func(*subscription)
)

const (
	// PhaseStarted marks the start of one channel's publish.
	PhaseStarted Phase = "started"
	// PhaseProgress marks intermediate channel progress.
	PhaseProgress Phase = "progress"
	// PhaseFinished marks the completion of one channel's publish.
	PhaseFinished Phase = "finished"
	// PhaseStatus marks a job-level status transition. The terminal status
	// event strictly follows all channel finished events.
	PhaseStatus Phase = "status"
)

const (
	// DropOldest drops the oldest queued event so the newest wins. Suited
	// to metrics subscribers where the latest state matters most.
	DropOldest Overflow = iota
	// Disconnect closes the subscription on overflow. Suited to transport
	// subscribers (WebSocket) where a slow consumer must not accumulate
	// unbounded lag.
	Disconnect
)

// defaultQueueSize bounds a subscriber queue when no size is configured.
const defaultQueueSize = 256

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event JobEvent) error {
	return f(ctx, event)
}

// WithQueueSize sets the subscriber's queue capacity.
func WithQueueSize(n int) Option {
	return func(s *subscription) {
		if n > 0 {
			s.queue = make(chan JobEvent, n)
		}
	}
}

// WithOverflow sets the subscriber's overflow policy.
func WithOverflow(o Overflow) Option {
	return func(s *subscription) { s.overflow = o }
}

// WithCloseHook registers a callback invoked exactly once when the
// subscription closes, whatever the cause. Transport subscribers use it to
// tear down their connection.
func WithCloseHook(hook func()) Option {
	return func(s *subscription) { s.closeHook = hook }
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Register adds a subscriber and starts its delivery goroutine. The returned
// subscription must be closed to stop delivery and release the goroutine.
func (b *Bus) Register(sub Subscriber, opts ...Option) (Subscription, error) {
	if sub == nil {
		return nil, errNilSubscriber
	}
	s := &subscription{
		bus:      b,
		sub:      sub,
		queue:    make(chan JobEvent, defaultQueueSize),
		overflow: DropOldest,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.deliver()
	return s, nil
}

// Publish enqueues the event for every subscriber. It never blocks: full
// queues are handled per the subscriber's overflow policy.
func (b *Bus) Publish(_ context.Context, event JobEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.enqueue(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *subscription) enqueue(event JobEvent) {
	select {
	case s.queue <- event:
		return
	default:
	}
	switch s.overflow {
	case Disconnect:
		s.Close()
	default:
		// Drop the oldest event to make room; if a concurrent drain freed
		// space, the newest still lands.
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
		default:
		}
	}
}

func (s *subscription) deliver() {
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			if err := s.sub.HandleEvent(ctx, event); err != nil {
				log.Debug(ctx, log.KV{K: "msg", V: "event subscriber failed, closing"}, log.KV{K: "err", V: err.Error()})
				s.Close()
				return
			}
		}
	}
}

// Close removes the subscriber from the bus and stops delivery. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
		if s.closeHook != nil {
			s.closeHook()
		}
	})
	return nil
}

var errNilSubscriber = errSentinel("subscriber is required")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
