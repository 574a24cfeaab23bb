package resilient

import (
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/crosspost-io/crosspost/publish"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  *publish.Error
		want bool
	}{
		{"nil", nil, false},
		{"transport", &publish.Error{Kind: publish.KindTransport}, true},
		{"backend 5xx", &publish.Error{Kind: publish.KindBackend5xx, StatusCode: 503}, true},
		{"rate limited", &publish.Error{Kind: publish.KindRateLimited, StatusCode: 429}, true},
		{"timeout", &publish.Error{Kind: publish.KindTimeout}, true},
		{"backend 408", &publish.Error{Kind: publish.KindBackend4xx, StatusCode: http.StatusRequestTimeout}, true},
		{"backend 429", &publish.Error{Kind: publish.KindBackend4xx, StatusCode: http.StatusTooManyRequests}, true},
		{"backend 400", &publish.Error{Kind: publish.KindBackend4xx, StatusCode: http.StatusBadRequest}, false},
		{"backend 404", &publish.Error{Kind: publish.KindBackend4xx, StatusCode: http.StatusNotFound}, false},
		{"validation", &publish.Error{Kind: publish.KindValidation}, false},
		{"circuit open", &publish.Error{Kind: publish.KindCircuitOpen}, false},
		{"cancelled", &publish.Error{Kind: publish.KindCancelled}, false},
		{"internal", &publish.Error{Kind: publish.KindInternal}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestBackoffForRetryAfterWins(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseBackoff: 4 * time.Second, MaxBackoff: 10 * time.Second, Jitter: 0.2}
	assert.Equal(t, 7*time.Second, backoffFor(cfg, 1, 7*time.Second))
	// An oversized Retry-After is honored only up to the backoff cap.
	assert.Equal(t, 10*time.Second, backoffFor(cfg, 2, 90*time.Second))
	assert.Equal(t, 10*time.Second, backoffFor(cfg, 1, time.Hour))
}

func TestBackoffBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cfg := RetryConfig{MaxAttempts: 5, BaseBackoff: 4 * time.Second, MaxBackoff: 10 * time.Second, Jitter: 0.2}

	properties.Property("backoff stays within jittered cap", prop.ForAll(
		func(attempt int) bool {
			d := backoffFor(cfg, attempt, 0)
			max := time.Duration(float64(cfg.MaxBackoff) * (1 + cfg.Jitter))
			return d > 0 && d <= max
		},
		gen.IntRange(1, 10),
	))

	properties.Property("backoff without jitter doubles until the cap", prop.ForAll(
		func(attempt int) bool {
			flat := RetryConfig{BaseBackoff: time.Second, MaxBackoff: 8 * time.Second}
			d := backoffFor(flat, attempt, 0)
			want := time.Second << (attempt - 1)
			if want > 8*time.Second {
				want = 8 * time.Second
			}
			return d == want
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
