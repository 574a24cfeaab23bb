// Package resilient decorates a channel publisher with uniform retry,
// circuit-breaker, and dead-letter behavior. The wrapper composes with any
// publish.Publisher; it owns the per-channel circuit state and a retry
// counter per invocation, nothing else.
package resilient

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/crosspost-io/crosspost/publish"
)

// RetryConfig configures retry behavior for one channel.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the initial
	// one. Zero or one means no retries.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Jitter adds randomness to the backoff. 0.2 adds up to ±20%.
	Jitter float64
}

// DefaultRetryConfig returns the canonical retry policy: three attempts,
// exponential backoff from 4s capped at 10s, ±20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 4 * time.Second,
		MaxBackoff:  10 * time.Second,
		Jitter:      0.2,
	}
}

// IsRetryable reports whether a publish failure may succeed on retry.
// Transport errors, timeouts, 5xx responses, and 429/408/425 are retryable;
// validation failures and other 4xx are not. Circuit-open failures are
// fail-fast and never retried.
func IsRetryable(err *publish.Error) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case publish.KindTransport, publish.KindBackend5xx, publish.KindRateLimited, publish.KindTimeout:
		return true
	case publish.KindBackend4xx:
		switch err.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
			return true
		}
	}
	return false
}

// backoffFor computes the delay before the given retry (attempt is 1-based).
// A backend-provided Retry-After hint wins over the computed backoff but
// never exceeds the cap, so a hostile header cannot stall a worker.
func backoffFor(cfg RetryConfig, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if cfg.MaxBackoff > 0 && retryAfter > cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
		return retryAfter
	}
	backoff := float64(cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(backoff)
}
