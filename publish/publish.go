// Package publish defines the Publisher capability and the shared types that
// flow between the orchestrator and the channel implementations: rendered
// artifacts, per-channel results, the publish error taxonomy, and the
// process-wide dry-run guard.
//
// The channel set is closed. Concrete publishers live in the email, web, and
// social subpackages and are registered explicitly on a Registry by channel
// id; there is no reflective discovery.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type (
	// Publisher is the contract every channel implements. Implementations
	// are stateless between calls apart from their static limits; they never
	// mutate the artifact or any job state. The only observable side effect
	// is the network call inside Publish (and the log line it emits).
	Publisher interface {
		// Channel returns the channel id this publisher serves.
		Channel() string

		// Validate applies channel-specific constraints to the artifact
		// (subject length, code-point limits, HTML well-formedness). A nil
		// or empty slice means the artifact is acceptable.
		Validate(artifact Artifact) []string

		// Preview returns the result Publish would produce, with status
		// dry_run and no external call. Preview is pure.
		Preview(artifact Artifact) Result

		// Publish sends the artifact to the channel backend. When dryRun is
		// true the call behaves exactly as Preview but records status
		// dry_run. The context bounds the request; implementations must
		// honor cancellation.
		Publish(ctx context.Context, artifact Artifact, dryRun bool) Result

		// Limits returns the channel's static limits.
		Limits() Limits
	}

	// Artifact is the channel-specific rendered payload handed to a
	// publisher. Publishers receive it as an immutable view.
	Artifact struct {
		// Channel is the destination channel id.
		Channel string
		// ContentID is the stable content identifier (content.Item.ID).
		ContentID string
		// Subject is the email subject or post headline.
		Subject string
		// Body is the rendered text body.
		Body string
		// HTML is the rendered HTML body, when the channel uses HTML.
		HTML string
		// Hashtags are appended to social posts.
		Hashtags []string
		// Link is the canonical URL referenced by social posts.
		Link string
		// Recipients lists email recipients. Empty for non-email channels.
		Recipients []string
		// Template is the template id used to render the artifact.
		Template string
		// Metadata carries opaque key/value pairs.
		Metadata map[string]string
	}

	// Status is the per-channel outcome classification.
	Status string

	// Result reports the outcome of one channel publish.
	Result struct {
		// Channel is the channel id.
		Channel string `json:"channel"`
		// Status classifies the outcome.
		Status Status `json:"status"`
		// Sent counts recipients or posts accepted by the backend.
		Sent int `json:"sent,omitempty"`
		// ContentID is the backend identifier of the published content.
		ContentID string `json:"content_id,omitempty"`
		// URL is the public location of the published content, when known.
		URL string `json:"url,omitempty"`
		// Error carries the machine tag and human message on failure.
		Error string `json:"error,omitempty"`
		// Timestamp records when the result was produced (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Attempts counts publish attempts, at least 1 for any non-skipped
		// result.
		Attempts int `json:"attempts"`
		// Payload is the body the channel sent or, in dry-run, would have
		// sent.
		Payload any `json:"payload,omitempty"`
		// Cause is the structured error behind Error. The resilience layer
		// branches on its kind; it is not serialized.
		Cause *Error `json:"-"`
	}

	// Limits describes a channel's static constraints.
	Limits struct {
		// SubjectMax bounds subject/headline length in characters. Zero
		// means unbounded.
		SubjectMax int `json:"subject_max,omitempty"`
		// BodyMax bounds body length. For twitter this is code points after
		// composition.
		BodyMax int `json:"body_max,omitempty"`
		// RatePerHour is the sustained publish rate the backend accepts.
		RatePerHour int `json:"rate_per_hour"`
		// BatchSize is the maximum recipients per send attempt (email) and
		// the token-bucket burst for the channel.
		BatchSize int `json:"batch_size"`
		// MediaMax bounds attached media per post. Zero means none allowed.
		MediaMax int `json:"media_limits,omitempty"`
	}

	// Error is a publish failure with a machine kind from the error
	// taxonomy. The resilience layer branches on Kind and StatusCode to
	// decide retryability.
	Error struct {
		// Kind is the machine tag (transport_error, backend_5xx,
		// rate_limited, backend_4xx, validation_error, timeout,
		// circuit_open, cancelled, internal_error).
		Kind string
		// Message is the human-readable description.
		Message string
		// StatusCode is the HTTP status returned by the backend, when any.
		StatusCode int
		// RetryAfter is the backend-provided retry hint, when any.
		RetryAfter time.Duration
	}

	// Registry holds the registered channel publishers, keyed by channel id.
	// Registration is explicit and happens at startup.
	Registry struct {
		mu         sync.RWMutex
		publishers map[string]Publisher
	}

	// DryRunGuard is the process-wide dry-run mode, captured immutably at
	// startup. When enabled, no publisher performs a real external call
	// regardless of per-job flags.
	DryRunGuard struct {
		enabled bool
	}
)

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusDryRun  Status = "dry_run"
)

// Channel ids. The set is closed; the registry rejects unknown ids.
const (
	ChannelEmail    = "email"
	ChannelWeb      = "web"
	ChannelTwitter  = "twitter"
	ChannelLinkedIn = "linkedin"
	ChannelFacebook = "facebook"
)

// Error taxonomy kinds.
const (
	KindValidation  = "validation_error"
	KindTransport   = "transport_error"
	KindBackend5xx  = "backend_5xx"
	KindRateLimited = "rate_limited"
	KindBackend4xx  = "backend_4xx"
	KindCircuitOpen = "circuit_open"
	KindTimeout     = "timeout"
	KindCancelled   = "cancelled"
	KindInternal    = "internal_error"
)

// Channels lists the known channel ids in a stable order.
func Channels() []string {
	return []string{ChannelEmail, ChannelWeb, ChannelTwitter, ChannelLinkedIn, ChannelFacebook}
}

// KnownChannel reports whether id names one of the closed channel set.
func KnownChannel(id string) bool {
	switch id {
	case ChannelEmail, ChannelWeb, ChannelTwitter, ChannelLinkedIn, ChannelFacebook:
		return true
	}
	return false
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AsError classifies err into the publish error taxonomy. Typed errors pass
// through; context errors map to timeout/cancelled; anything else coming out
// of a backend call is treated as a transport failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Message: err.Error()}
	}
	return &Error{Kind: KindTransport, Message: err.Error()}
}

// NewRegistry constructs an empty publisher registry.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[string]Publisher)}
}

// Register adds a publisher under its channel id. Returns an error on
// duplicate registration or unknown channel id.
func (r *Registry) Register(p Publisher) error {
	if p == nil {
		return fmt.Errorf("publisher is required")
	}
	id := p.Channel()
	if !KnownChannel(id) {
		return fmt.Errorf("unknown channel %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.publishers[id]; dup {
		return fmt.Errorf("channel %q already registered", id)
	}
	r.publishers[id] = p
	return nil
}

// Get returns the publisher for the channel id, or false if none is
// registered.
func (r *Registry) Get(id string) (Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[id]
	return p, ok
}

// Channels returns the registered channel ids in sorted order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.publishers))
	for id := range r.publishers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewDryRunGuard captures the global dry-run mode at startup.
func NewDryRunGuard(enabled bool) DryRunGuard {
	return DryRunGuard{enabled: enabled}
}

// Enabled reports whether the process runs in global dry-run mode.
func (g DryRunGuard) Enabled() bool {
	return g.enabled
}
