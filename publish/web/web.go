// Package web implements the website channel publisher. Publishes are
// idempotent upserts keyed by the content id: republishing identical content
// returns the prior remote id with no new side effect on the platform.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"goa.design/clue/log"
	"golang.org/x/net/html"

	"github.com/crosspost-io/crosspost/publish"
)

type (
	// Platform is the external website backend. Upsert must be idempotent by
	// contentID: when the stored content is identical it returns the
	// existing remote id and created=false without a write.
	Platform interface {
		Upsert(ctx context.Context, contentID, title, body string) (remoteID, url string, created bool, err error)
	}

	// Publisher publishes posts to the website platform.
	Publisher struct {
		platform Platform
		limits   publish.Limits
	}

	// Option configures the publisher.
	Option func(*Publisher)
)

// WithLimits overrides the default channel limits.
func WithLimits(l publish.Limits) Option {
	return func(p *Publisher) { p.limits = l }
}

// New constructs the web publisher. The platform backend is required.
func New(platform Platform, opts ...Option) (*Publisher, error) {
	if platform == nil {
		return nil, fmt.Errorf("platform is required")
	}
	p := &Publisher{
		platform: platform,
		limits: publish.Limits{
			SubjectMax:  200,
			RatePerHour: 300,
			BatchSize:   10,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Channel implements publish.Publisher.
func (p *Publisher) Channel() string { return publish.ChannelWeb }

// Limits implements publish.Publisher.
func (p *Publisher) Limits() publish.Limits { return p.limits }

// Validate checks that the artifact carries well-formed HTML and a title
// within the limit.
func (p *Publisher) Validate(artifact publish.Artifact) []string {
	var issues []string
	if artifact.Subject == "" {
		issues = append(issues, "title is required")
	}
	if p.limits.SubjectMax > 0 && len([]rune(artifact.Subject)) > p.limits.SubjectMax {
		issues = append(issues, fmt.Sprintf("title exceeds %d characters", p.limits.SubjectMax))
	}
	if artifact.HTML == "" {
		issues = append(issues, "html body is required")
	} else if err := checkHTML(artifact.HTML); err != nil {
		issues = append(issues, fmt.Sprintf("malformed html: %v", err))
	}
	return issues
}

// Preview implements publish.Publisher.
func (p *Publisher) Preview(artifact publish.Artifact) publish.Result {
	return publish.Result{
		Channel:   publish.ChannelWeb,
		Status:    publish.StatusDryRun,
		ContentID: artifact.ContentID,
		URL:       artifact.Link,
		Timestamp: time.Now().UTC(),
		Attempts:  1,
		Payload:   map[string]any{"title": artifact.Subject, "html": artifact.HTML},
	}
}

// Publish upserts the artifact on the platform keyed by its content id.
func (p *Publisher) Publish(ctx context.Context, artifact publish.Artifact, dryRun bool) publish.Result {
	if dryRun {
		return p.Preview(artifact)
	}
	if issues := p.Validate(artifact); len(issues) > 0 {
		cause := &publish.Error{Kind: publish.KindValidation, Message: issues[0]}
		return publish.Result{
			Channel: publish.ChannelWeb, Status: publish.StatusFailed, ContentID: artifact.ContentID,
			Error: cause.Error(), Timestamp: time.Now().UTC(), Attempts: 1, Cause: cause,
		}
	}
	remoteID, url, created, err := p.platform.Upsert(ctx, artifact.ContentID, artifact.Subject, artifact.HTML)
	if err != nil {
		cause := publish.AsError(err)
		return publish.Result{
			Channel: publish.ChannelWeb, Status: publish.StatusFailed, ContentID: artifact.ContentID,
			Error: cause.Error(), Timestamp: time.Now().UTC(), Attempts: 1, Cause: cause,
		}
	}
	log.Info(ctx, log.KV{K: "channel", V: publish.ChannelWeb}, log.KV{K: "content_id", V: remoteID},
		log.KV{K: "created", V: created})
	return publish.Result{
		Channel:   publish.ChannelWeb,
		Status:    publish.StatusSuccess,
		Sent:      1,
		ContentID: remoteID,
		URL:       url,
		Timestamp: time.Now().UTC(),
		Attempts:  1,
	}
}

// checkHTML tokenizes the fragment and reports the first parse error. EOF is
// the expected terminal condition for a well-formed fragment.
func checkHTML(fragment string) error {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var open []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return err
			}
			if len(open) > 0 {
				return fmt.Errorf("unclosed element <%s>", open[len(open)-1])
			}
			return nil
		case html.StartTagToken:
			name, _ := z.TagName()
			if !voidElement(string(name)) {
				open = append(open, string(name))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if len(open) == 0 || open[len(open)-1] != string(name) {
				return fmt.Errorf("unexpected closing tag </%s>", name)
			}
			open = open[:len(open)-1]
		}
	}
}

func voidElement(name string) bool {
	switch name {
	case "br", "hr", "img", "input", "meta", "link":
		return true
	}
	return false
}
