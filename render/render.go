// Package render defines the Renderer capability: producing channel-specific
// artifacts from validated content items. The templating language itself is
// out of scope; the Basic renderer composes artifacts from the item fields
// directly and serves as the default when no external rendering engine is
// wired.
package render

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/crosspost-io/crosspost/content"
	"github.com/crosspost-io/crosspost/publish"
)

// Renderer produces the artifact for one item on one channel.
type Renderer interface {
	// Render builds the channel artifact for the item using the given
	// template id. An empty template selects the channel default.
	Render(ctx context.Context, item content.Item, channel, template string) (publish.Artifact, error)
}

// Basic renders artifacts without an external templating engine. Email gets a
// subject and an HTML body, web gets an HTML document fragment, and social
// channels get plain text with hashtags and a canonical link.
type Basic struct {
	// BaseURL is the site root used to build canonical links (e.g.
	// "https://example.com").
	BaseURL string
	// Recipients supplies the email recipient list per audience segment.
	Recipients []string
}

// Render implements Renderer.
func (r *Basic) Render(_ context.Context, item content.Item, channel, template string) (publish.Artifact, error) {
	if !publish.KnownChannel(channel) {
		return publish.Artifact{}, fmt.Errorf("unknown channel %q", channel)
	}
	link := fmt.Sprintf("%s/%s/%s", strings.TrimRight(r.BaseURL, "/"), pathSegment(item.Kind), item.ID)
	art := publish.Artifact{
		Channel:   channel,
		ContentID: item.ID,
		Subject:   item.Title,
		Body:      item.Body,
		Link:      link,
		Template:  template,
		Metadata:  item.Metadata,
	}
	switch channel {
	case publish.ChannelEmail:
		art.HTML = renderHTML(item)
		art.Recipients = append([]string(nil), r.Recipients...)
	case publish.ChannelWeb:
		art.HTML = renderHTML(item)
	case publish.ChannelTwitter, publish.ChannelLinkedIn, publish.ChannelFacebook:
		art.Hashtags = hashtags(item.Tags)
	}
	return art, nil
}

// renderHTML builds a minimal HTML fragment for email and web channels.
func renderHTML(item content.Item) string {
	var b strings.Builder
	b.WriteString("<article>")
	b.WriteString("<h1>" + html.EscapeString(item.Title) + "</h1>")
	for _, para := range strings.Split(item.Body, "\n\n") {
		b.WriteString("<p>" + html.EscapeString(para) + "</p>")
	}
	if item.Blog != nil {
		b.WriteString(fmt.Sprintf("<footer>%d min read</footer>", item.Blog.ReadingTime))
	}
	b.WriteString("</article>")
	return b.String()
}

// hashtags normalizes tags into hashtag form, dropping whitespace.
func hashtags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ReplaceAll(strings.TrimSpace(t), " ", "")
		if t == "" {
			continue
		}
		out = append(out, "#"+t)
	}
	return out
}

func pathSegment(k content.Kind) string {
	switch k {
	case content.KindBlog:
		return "blog"
	case content.KindAnnouncement:
		return "announcements"
	default:
		return "updates"
	}
}
