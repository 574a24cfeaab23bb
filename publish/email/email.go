// Package email implements the email channel publisher. Sends go through a
// CRM capability that accepts recipient batches; each batch is one atomic
// send attempt from the channel's perspective.
package email

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/publish"
)

type (
	// CRM is the external email backend. Implementations wrap the provider
	// API; the pipeline depends only on this interface.
	CRM interface {
		// SendBatch delivers one batch of recipients and returns the number
		// the CRM accepted. A batch either succeeds or fails as a whole.
		SendBatch(ctx context.Context, subject, html string, recipients []string) (accepted int, err error)
	}

	// Publisher publishes email newsletters through a CRM.
	Publisher struct {
		crm    CRM
		limits publish.Limits
	}

	// Option configures the publisher.
	Option func(*Publisher)
)

// WithLimits overrides the default channel limits.
func WithLimits(l publish.Limits) Option {
	return func(p *Publisher) { p.limits = l }
}

// New constructs the email publisher. The CRM is required.
func New(crm CRM, opts ...Option) (*Publisher, error) {
	if crm == nil {
		return nil, fmt.Errorf("crm is required")
	}
	p := &Publisher{
		crm: crm,
		limits: publish.Limits{
			SubjectMax:  100,
			RatePerHour: 100,
			BatchSize:   50,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Channel implements publish.Publisher.
func (p *Publisher) Channel() string { return publish.ChannelEmail }

// Limits implements publish.Publisher.
func (p *Publisher) Limits() publish.Limits { return p.limits }

// Validate checks email constraints: a non-empty subject within the limit, a
// rendered HTML body, and at least one recipient.
func (p *Publisher) Validate(artifact publish.Artifact) []string {
	var issues []string
	if artifact.Subject == "" {
		issues = append(issues, "subject is required")
	}
	if p.limits.SubjectMax > 0 && len([]rune(artifact.Subject)) > p.limits.SubjectMax {
		issues = append(issues, fmt.Sprintf("subject exceeds %d characters", p.limits.SubjectMax))
	}
	if artifact.HTML == "" {
		issues = append(issues, "html body is required")
	}
	if len(artifact.Recipients) == 0 {
		issues = append(issues, "at least one recipient is required")
	}
	return issues
}

// Preview implements publish.Publisher. It is pure and never touches the CRM.
func (p *Publisher) Preview(artifact publish.Artifact) publish.Result {
	return publish.Result{
		Channel:   publish.ChannelEmail,
		Status:    publish.StatusDryRun,
		Sent:      len(artifact.Recipients),
		ContentID: artifact.ContentID,
		Timestamp: time.Now().UTC(),
		Attempts:  1,
		Payload:   map[string]any{"subject": artifact.Subject, "html": artifact.HTML, "recipients": len(artifact.Recipients)},
	}
}

// Publish sends the artifact in recipient batches of at most BatchSize. Sent
// reflects the recipients the CRM accepted before any failure.
func (p *Publisher) Publish(ctx context.Context, artifact publish.Artifact, dryRun bool) publish.Result {
	if dryRun {
		return p.Preview(artifact)
	}
	if issues := p.Validate(artifact); len(issues) > 0 {
		return failure(artifact, &publish.Error{Kind: publish.KindValidation, Message: issues[0]}, 0)
	}
	batch := p.limits.BatchSize
	if batch <= 0 {
		batch = len(artifact.Recipients)
	}
	sent := 0
	for start := 0; start < len(artifact.Recipients); start += batch {
		end := start + batch
		if end > len(artifact.Recipients) {
			end = len(artifact.Recipients)
		}
		accepted, err := p.crm.SendBatch(ctx, artifact.Subject, artifact.HTML, artifact.Recipients[start:end])
		if err != nil {
			return failure(artifact, err, sent)
		}
		sent += accepted
	}
	log.Info(ctx, log.KV{K: "channel", V: publish.ChannelEmail}, log.KV{K: "content_id", V: artifact.ContentID}, log.KV{K: "sent", V: sent})
	return publish.Result{
		Channel:   publish.ChannelEmail,
		Status:    publish.StatusSuccess,
		Sent:      sent,
		ContentID: artifact.ContentID,
		Timestamp: time.Now().UTC(),
		Attempts:  1,
	}
}

func failure(artifact publish.Artifact, err error, sent int) publish.Result {
	cause := publish.AsError(err)
	return publish.Result{
		Channel:   publish.ChannelEmail,
		Status:    publish.StatusFailed,
		Sent:      sent,
		ContentID: artifact.ContentID,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
		Attempts:  1,
		Cause:     cause,
	}
}
