package schedule

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crosspost-io/crosspost/publish"
)

// RateLimiter holds one token bucket per channel, refilled at the channel's
// hourly publish rate with the channel batch size as burst. Acquire blocks
// for at most the configured deferral before failing with rate_limited.
type RateLimiter struct {
	maxDelay time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// DefaultRateDeferral is the longest a channel invocation waits for a token.
const DefaultRateDeferral = 60 * time.Second

// NewRateLimiter constructs an empty limiter set. A non-positive maxDelay
// uses DefaultRateDeferral.
func NewRateLimiter(maxDelay time.Duration) *RateLimiter {
	if maxDelay <= 0 {
		maxDelay = DefaultRateDeferral
	}
	return &RateLimiter{
		maxDelay: maxDelay,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetChannel installs the bucket for a channel. A non-positive perHour leaves
// the channel unlimited.
func (l *RateLimiter) SetChannel(channel string, perHour, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perHour <= 0 {
		delete(l.limiters, channel)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	l.limiters[channel] = rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), burst)
}

// FromLimits installs buckets for every registered channel from its static
// limits.
func (l *RateLimiter) FromLimits(registry *publish.Registry) {
	for _, id := range registry.Channels() {
		p, ok := registry.Get(id)
		if !ok {
			continue
		}
		limits := p.Limits()
		l.SetChannel(id, limits.RatePerHour, limits.BatchSize)
	}
}

// Acquire takes one token for the channel, waiting up to the deferral bound.
// Exceeding the bound fails with a rate_limited error; channels without a
// bucket are unlimited.
func (l *RateLimiter) Acquire(ctx context.Context, channel string) error {
	l.mu.RLock()
	limiter := l.limiters[channel]
	l.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, l.maxDelay)
	defer cancel()
	if err := limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return publish.AsError(ctx.Err())
		}
		return &publish.Error{Kind: publish.KindRateLimited, Message: "rate limit deferral exceeded for " + channel}
	}
	return nil
}
