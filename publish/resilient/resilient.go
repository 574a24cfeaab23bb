package resilient

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/publish"
)

type (
	// Publisher wraps an inner channel publisher with retry, circuit
	// breaking, and dead-letter hand-off. It implements publish.Publisher
	// and composes with any channel implementation.
	Publisher struct {
		inner          publish.Publisher
		retry          RetryConfig
		breaker        *Breaker
		dlq            *DeadLetter
		requestTimeout time.Duration
	}

	// Option configures the wrapper.
	Option func(*Publisher)
)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(p *Publisher) { p.retry = cfg }
}

// WithBreaker supplies the circuit breaker. The default is a breaker with
// DefaultBreakerConfig.
func WithBreaker(b *Breaker) Option {
	return func(p *Publisher) { p.breaker = b }
}

// WithDeadLetter configures the fallback queue receiving terminally failed
// publishes. Without it, terminal failures are only surfaced in the result.
func WithDeadLetter(dlq *DeadLetter) Option {
	return func(p *Publisher) { p.dlq = dlq }
}

// WithRequestTimeout bounds each individual publish attempt. Zero disables
// the bound. The job-level deadline still applies through the caller context.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.requestTimeout = d }
}

// Wrap decorates inner with the resilience layer.
func Wrap(inner publish.Publisher, opts ...Option) *Publisher {
	p := &Publisher{
		inner:   inner,
		retry:   DefaultRetryConfig(),
		breaker: NewBreaker(DefaultBreakerConfig()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel implements publish.Publisher.
func (p *Publisher) Channel() string { return p.inner.Channel() }

// Limits implements publish.Publisher.
func (p *Publisher) Limits() publish.Limits { return p.inner.Limits() }

// Validate implements publish.Publisher.
func (p *Publisher) Validate(artifact publish.Artifact) []string { return p.inner.Validate(artifact) }

// Preview implements publish.Publisher. Previews bypass the breaker entirely;
// they perform no external call.
func (p *Publisher) Preview(artifact publish.Artifact) publish.Result { return p.inner.Preview(artifact) }

// Breaker exposes the channel's circuit breaker for health reporting.
func (p *Publisher) Breaker() *Breaker { return p.breaker }

// Publish sends the artifact with retries under the configured policy. While
// the circuit is open it fails fast with error "circuit_open" without calling
// the inner publisher; the fail-fast is not counted as a retry attempt. On
// terminal failure the artifact is handed to the dead-letter queue when one
// is configured.
func (p *Publisher) Publish(ctx context.Context, artifact publish.Artifact, dryRun bool) publish.Result {
	// Dry runs make no external call and never touch the breaker.
	if dryRun {
		return p.inner.Publish(ctx, artifact, true)
	}

	if !p.breaker.Allow() {
		cause := &publish.Error{Kind: publish.KindCircuitOpen, Message: "circuit open for " + p.Channel()}
		res := publish.Result{
			Channel:   p.Channel(),
			Status:    publish.StatusFailed,
			ContentID: artifact.ContentID,
			Error:     publish.KindCircuitOpen,
			Timestamp: time.Now().UTC(),
			Attempts:  1,
			Cause:     cause,
		}
		p.deadLetter(artifact, res)
		return res
	}

	maxAttempts := p.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var res publish.Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res = p.attempt(ctx, artifact)
		res.Attempts = attempt

		if res.Status != publish.StatusFailed {
			p.breaker.RecordSuccess()
			return res
		}

		cause := res.Cause
		if cause == nil {
			cause = &publish.Error{Kind: publish.KindInternal, Message: res.Error}
			res.Cause = cause
		}
		if countsTowardCircuit(cause.Kind) {
			p.breaker.RecordFailure()
		}
		if !IsRetryable(cause) {
			return res
		}
		if p.breaker.State() == CircuitOpen {
			// The circuit opened under this invocation; stop retrying.
			break
		}
		if attempt >= maxAttempts {
			break
		}

		backoff := backoffFor(p.retry, attempt, cause.RetryAfter)
		log.Debug(ctx, log.KV{K: "channel", V: p.Channel()}, log.KV{K: "attempt", V: attempt},
			log.KV{K: "backoff", V: backoff.String()}, log.KV{K: "err", V: res.Error})
		select {
		case <-ctx.Done():
			cancelled := publish.AsError(ctx.Err())
			res.Error = cancelled.Error()
			res.Cause = cancelled
			return res
		case <-time.After(backoff):
		}
	}

	p.deadLetter(artifact, res)
	return res
}

// attempt performs one inner publish, bounded by the per-request timeout.
func (p *Publisher) attempt(ctx context.Context, artifact publish.Artifact) publish.Result {
	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}
	return p.inner.Publish(ctx, artifact, false)
}

// deadLetter hands a terminal failure to the fallback queue, if configured.
func (p *Publisher) deadLetter(artifact publish.Artifact, res publish.Result) {
	if p.dlq == nil {
		return
	}
	p.dlq.Enqueue(Entry{
		Artifact:  artifact,
		Channel:   p.Channel(),
		LastError: res.Error,
		Attempts:  res.Attempts,
		Timestamp: res.Timestamp,
	})
}

// countsTowardCircuit reports whether a failure kind feeds the breaker.
// Validation failures, cancellations, and fail-fast rejections do not.
func countsTowardCircuit(kind string) bool {
	switch kind {
	case publish.KindTransport, publish.KindBackend5xx, publish.KindRateLimited, publish.KindTimeout:
		return true
	}
	return false
}
