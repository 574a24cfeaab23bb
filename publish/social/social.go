// Package social implements the social channel publishers (twitter, linkedin,
// facebook). All three share the posting flow and differ in composition rules
// and limits; each network is registered as its own publisher.
package social

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/publish"
)

type (
	// API is the external social network backend.
	API interface {
		// Post publishes the text and returns the backend post id and URL.
		Post(ctx context.Context, text string) (id, url string, err error)
	}

	// Publisher publishes posts to one social network.
	Publisher struct {
		network string
		api     API
		limits  publish.Limits
	}

	// Option configures the publisher.
	Option func(*Publisher)
)

// twitterLinkLength is the fixed length Twitter assigns to any URL after
// shortening, independent of the actual link.
const twitterLinkLength = 23

// WithLimits overrides the default network limits.
func WithLimits(l publish.Limits) Option {
	return func(p *Publisher) { p.limits = l }
}

// New constructs a social publisher for the given network (twitter, linkedin,
// or facebook).
func New(network string, api API, opts ...Option) (*Publisher, error) {
	if api == nil {
		return nil, fmt.Errorf("api is required")
	}
	p := &Publisher{network: network, api: api}
	switch network {
	case publish.ChannelTwitter:
		p.limits = publish.Limits{BodyMax: 280, RatePerHour: 50, BatchSize: 5, MediaMax: 4}
	case publish.ChannelLinkedIn:
		p.limits = publish.Limits{BodyMax: 3000, RatePerHour: 30, BatchSize: 3, MediaMax: 9}
	case publish.ChannelFacebook:
		p.limits = publish.Limits{BodyMax: 5000, RatePerHour: 30, BatchSize: 3, MediaMax: 10}
	default:
		return nil, fmt.Errorf("unknown social network %q", network)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Channel implements publish.Publisher.
func (p *Publisher) Channel() string { return p.network }

// Limits implements publish.Publisher.
func (p *Publisher) Limits() publish.Limits { return p.limits }

// Compose builds the post text for the artifact according to the network's
// rules. For twitter the body is truncated first, hashtags are dropped from
// the end only when they alone exceed the limit, and the link is always
// kept, so the composed post fits within 280 code points after URL
// expansion.
func (p *Publisher) Compose(artifact publish.Artifact) string {
	switch p.network {
	case publish.ChannelTwitter:
		return composeTwitter(artifact, p.limits.BodyMax)
	case publish.ChannelLinkedIn:
		// Professional template: headline, body, link, hashtags.
		parts := []string{artifact.Subject, artifact.Body}
		if artifact.Link != "" {
			parts = append(parts, artifact.Link)
		}
		if len(artifact.Hashtags) > 0 {
			parts = append(parts, strings.Join(artifact.Hashtags, " "))
		}
		return strings.Join(parts, "\n\n")
	default:
		// Community template: conversational lead-in, then link.
		text := artifact.Subject + "\n\n" + artifact.Body
		if artifact.Link != "" {
			text += "\n\nRead more: " + artifact.Link
		}
		return text
	}
}

// Validate checks the composed post against the network limits.
func (p *Publisher) Validate(artifact publish.Artifact) []string {
	var issues []string
	if artifact.Body == "" && artifact.Subject == "" {
		issues = append(issues, "post text is required")
	}
	if p.network == publish.ChannelTwitter {
		if n := expandedLength(p.Compose(artifact), artifact.Link); n > p.limits.BodyMax {
			issues = append(issues, fmt.Sprintf("post is %d code points, limit %d", n, p.limits.BodyMax))
		}
	} else if p.limits.BodyMax > 0 {
		if n := len([]rune(p.Compose(artifact))); n > p.limits.BodyMax {
			issues = append(issues, fmt.Sprintf("post is %d characters, limit %d", n, p.limits.BodyMax))
		}
	}
	return issues
}

// Preview implements publish.Publisher.
func (p *Publisher) Preview(artifact publish.Artifact) publish.Result {
	return publish.Result{
		Channel:   p.network,
		Status:    publish.StatusDryRun,
		ContentID: artifact.ContentID,
		Timestamp: time.Now().UTC(),
		Attempts:  1,
		Payload:   map[string]any{"text": p.Compose(artifact)},
	}
}

// Publish posts the composed text to the network backend.
func (p *Publisher) Publish(ctx context.Context, artifact publish.Artifact, dryRun bool) publish.Result {
	if dryRun {
		return p.Preview(artifact)
	}
	if issues := p.Validate(artifact); len(issues) > 0 {
		cause := &publish.Error{Kind: publish.KindValidation, Message: issues[0]}
		return publish.Result{
			Channel: p.network, Status: publish.StatusFailed, ContentID: artifact.ContentID,
			Error: cause.Error(), Timestamp: time.Now().UTC(), Attempts: 1, Cause: cause,
		}
	}
	id, url, err := p.api.Post(ctx, p.Compose(artifact))
	if err != nil {
		cause := publish.AsError(err)
		return publish.Result{
			Channel: p.network, Status: publish.StatusFailed, ContentID: artifact.ContentID,
			Error: cause.Error(), Timestamp: time.Now().UTC(), Attempts: 1, Cause: cause,
		}
	}
	log.Info(ctx, log.KV{K: "channel", V: p.network}, log.KV{K: "post_id", V: id})
	return publish.Result{
		Channel:   p.network,
		Status:    publish.StatusSuccess,
		Sent:      1,
		ContentID: id,
		URL:       url,
		Timestamp: time.Now().UTC(),
		Attempts:  1,
	}
}

// composeTwitter assembles "text hashtags link" and shrinks the post to max
// code points after URL expansion. The link is always kept; hashtags are
// dropped from the end when they alone overflow the limit, and only then is
// the text truncated.
func composeTwitter(artifact publish.Artifact, max int) string {
	text := artifact.Subject
	if artifact.Body != "" {
		text = artifact.Subject + ": " + artifact.Body
	}
	linkLen := 0
	if artifact.Link != "" {
		linkLen = 1 + twitterLinkLength
	}
	tags := artifact.Hashtags
	for len(tags) > 0 && max-linkLen-hashtagsLength(tags) < 1 {
		tags = tags[:len(tags)-1]
	}
	budget := max - linkLen - hashtagsLength(tags)
	if budget < 0 {
		budget = 0
	}
	runes := []rune(text)
	if len(runes) > budget {
		if budget > 1 {
			runes = append(runes[:budget-1], '…')
		} else {
			runes = runes[:budget]
		}
	}
	suffix := ""
	if len(tags) > 0 {
		suffix += " " + strings.Join(tags, " ")
	}
	if artifact.Link != "" {
		suffix += " " + artifact.Link
	}
	return string(runes) + suffix
}

// hashtagsLength counts the code points the joined hashtags add to a post,
// including the separating space.
func hashtagsLength(tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	return 1 + len([]rune(strings.Join(tags, " ")))
}

// expandedLength counts the post's code points with the link counted at
// Twitter's fixed shortened length.
func expandedLength(text, link string) int {
	n := len([]rune(text))
	if link != "" && strings.Contains(text, link) {
		n = n - len([]rune(link)) + twitterLinkLength
	}
	return n
}
