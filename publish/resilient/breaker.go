package resilient

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState names the breaker states.
type CircuitState int32

const (
	// CircuitClosed passes calls through and counts failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails fast without calling the inner publisher.
	CircuitOpen
	// CircuitHalfOpen admits a single probe call.
	CircuitHalfOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig configures a per-channel circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int
	// WindowFailureRate opens the circuit when the failure rate over Window
	// reaches this fraction with at least WindowMinSamples samples.
	WindowFailureRate float64
	// WindowMinSamples is the minimum sample count for the rate rule.
	WindowMinSamples int
	// Window is the sliding sample window.
	Window time.Duration
	// RecoveryTimeout is how long the circuit stays open before admitting a
	// probe.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the canonical breaker policy: open on five
// consecutive failures or a 50% failure rate over 60s with at least twenty
// samples, probe after 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		WindowFailureRate: 0.5,
		WindowMinSamples:  20,
		Window:            time.Minute,
		RecoveryTimeout:   time.Minute,
	}
}

type sample struct {
	at      time.Time
	failure bool
}

// Breaker is a per-channel circuit breaker. State transitions use
// compare-and-swap on the state word so that at most one caller wins the
// open → half_open probe per recovery window; the sample window is guarded by
// a small mutex.
type Breaker struct {
	cfg   BreakerConfig
	state atomic.Int32
	// openedAt is the UnixNano instant the circuit last opened.
	openedAt atomic.Int64

	mu          sync.Mutex
	consecutive int
	samples     []sample

	now func() time.Time

	// onTransition, when set, observes state changes (for metrics).
	onTransition func(from, to CircuitState)
}

// NewBreaker constructs a closed Breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// OnTransition registers a callback observing state changes. Must be called
// before the breaker is shared.
func (b *Breaker) OnTransition(fn func(from, to CircuitState)) {
	b.onTransition = fn
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	return CircuitState(b.state.Load())
}

// Allow reports whether a call may proceed. While open it returns false until
// the recovery timeout elapses, at which point exactly one caller transitions
// the circuit to half_open and is admitted as the probe.
func (b *Breaker) Allow() bool {
	switch CircuitState(b.state.Load()) {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// A probe is already in flight.
		return false
	default:
		opened := time.Unix(0, b.openedAt.Load())
		if b.now().Sub(opened) < b.cfg.RecoveryTimeout {
			return false
		}
		if b.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			b.notify(CircuitOpen, CircuitHalfOpen)
			return true
		}
		return false
	}
}

// RecordSuccess records a successful call. In half_open it closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutive = 0
	b.addSample(false)
	b.mu.Unlock()
	if b.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		b.notify(CircuitHalfOpen, CircuitClosed)
	}
}

// RecordFailure records a failed call and opens the circuit when either
// threshold is crossed. In half_open the first failure reopens immediately.
func (b *Breaker) RecordFailure() {
	if b.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		b.notify(CircuitHalfOpen, CircuitOpen)
		return
	}
	b.mu.Lock()
	b.consecutive++
	b.addSample(true)
	open := b.consecutive >= b.cfg.FailureThreshold || b.windowTripped()
	b.mu.Unlock()
	if open && b.state.CompareAndSwap(int32(CircuitClosed), int32(CircuitOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		b.notify(CircuitClosed, CircuitOpen)
	}
}

// addSample appends an outcome and prunes samples older than the window.
// Callers hold b.mu.
func (b *Breaker) addSample(failure bool) {
	now := b.now()
	cutoff := now.Add(-b.cfg.Window)
	kept := b.samples[:0]
	for _, s := range b.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	b.samples = append(kept, sample{at: now, failure: failure})
}

// windowTripped reports whether the sliding-window failure rate rule fires.
// Callers hold b.mu.
func (b *Breaker) windowTripped() bool {
	if b.cfg.WindowMinSamples <= 0 || len(b.samples) < b.cfg.WindowMinSamples {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if s.failure {
			failures++
		}
	}
	return float64(failures)/float64(len(b.samples)) >= b.cfg.WindowFailureRate
}

func (b *Breaker) notify(from, to CircuitState) {
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
