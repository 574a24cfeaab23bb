package social

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/publish/publishtest"
)

func TestNewRejectsUnknownNetwork(t *testing.T) {
	_, err := New("myspace", publishtest.NewMockSocialAPI("myspace"))
	assert.Error(t, err)
}

func TestComposeTwitterKeepsHashtagsAndLink(t *testing.T) {
	p, err := New(publish.ChannelTwitter, publishtest.NewMockSocialAPI("twitter"))
	require.NoError(t, err)

	long := strings.Repeat("word ", 100)
	a := publish.Artifact{
		Subject:  "Release",
		Body:     long,
		Hashtags: []string{"#release", "#firmware"},
		Link:     "https://example.com/updates/release-42",
	}
	post := p.Compose(a)

	assert.True(t, strings.HasSuffix(post, " #release #firmware "+a.Link))
	assert.Contains(t, post, "…", "truncated body ends with an ellipsis")
	assert.LessOrEqual(t, expandedLength(post, a.Link), 280)
}

func TestComposeTwitterShortPostUntruncated(t *testing.T) {
	p, err := New(publish.ChannelTwitter, publishtest.NewMockSocialAPI("twitter"))
	require.NoError(t, err)

	a := publish.Artifact{Subject: "Hi", Body: "short"}
	assert.Equal(t, "Hi: short", p.Compose(a))
}

func TestComposeTwitterDropsHashtagsBeforeFailing(t *testing.T) {
	p, err := New(publish.ChannelTwitter, publishtest.NewMockSocialAPI("twitter"))
	require.NoError(t, err)

	tags := make([]string, 40)
	for i := range tags {
		tags[i] = "#averylonghashtag"
	}
	a := publish.Artifact{
		Subject:  "Release",
		Body:     "Body text.",
		Hashtags: tags,
		Link:     "https://example.com/updates/release-42",
	}
	assert.Empty(t, p.Validate(a))

	post := p.Compose(a)
	assert.LessOrEqual(t, expandedLength(post, a.Link), 280)
	assert.True(t, strings.HasSuffix(post, a.Link), "the link survives hashtag shedding")
	assert.Contains(t, post, "#averylonghashtag", "hashtags that still fit are kept")
	assert.Less(t, strings.Count(post, "#"), 40, "overflowing hashtags are dropped from the end")
}

func TestComposeTwitterFitsProperty(t *testing.T) {
	p, err := New(publish.ChannelTwitter, publishtest.NewMockSocialAPI("twitter"))
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("composed post fits in 280 code points with link at fixed length", prop.ForAll(
		func(subject, body string, hashtags []string, withLink bool) bool {
			a := publish.Artifact{Subject: subject, Body: body, Hashtags: hashtags}
			if withLink {
				a.Link = "https://example.com/a-rather-long-canonical-url/post"
			}
			post := p.Compose(a)
			return expandedLength(post, a.Link) <= 280
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.SliceOf(gen.AnyString()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestComposeLinkedInTemplate(t *testing.T) {
	p, err := New(publish.ChannelLinkedIn, publishtest.NewMockSocialAPI("linkedin"))
	require.NoError(t, err)

	a := publish.Artifact{
		Subject:  "Headline",
		Body:     "Professional body.",
		Link:     "https://example.com/post",
		Hashtags: []string{"#a", "#b"},
	}
	assert.Equal(t, "Headline\n\nProfessional body.\n\nhttps://example.com/post\n\n#a #b", p.Compose(a))
}

func TestComposeFacebookTemplate(t *testing.T) {
	p, err := New(publish.ChannelFacebook, publishtest.NewMockSocialAPI("facebook"))
	require.NoError(t, err)

	a := publish.Artifact{Subject: "Headline", Body: "Body.", Link: "https://example.com/post"}
	assert.Equal(t, "Headline\n\nBody.\n\nRead more: https://example.com/post", p.Compose(a))
}

func TestValidateLimits(t *testing.T) {
	p, err := New(publish.ChannelLinkedIn, publishtest.NewMockSocialAPI("linkedin"))
	require.NoError(t, err)

	assert.Contains(t, p.Validate(publish.Artifact{}), "post text is required")

	a := publish.Artifact{Subject: "t", Body: strings.Repeat("x", 3001)}
	issues := p.Validate(a)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "limit 3000")
}

func TestPublishPostsComposedText(t *testing.T) {
	api := publishtest.NewMockSocialAPI("twitter")
	p, err := New(publish.ChannelTwitter, api)
	require.NoError(t, err)

	res := p.Publish(context.Background(), publish.Artifact{Subject: "Hi", Body: "there"}, false)
	require.Equal(t, publish.StatusSuccess, res.Status)
	assert.Equal(t, "twitter-post", res.ContentID)
	require.Len(t, api.Posts(), 1)
	assert.Equal(t, "Hi: there", api.Posts()[0])
}

func TestPublishBackendFailure(t *testing.T) {
	api := publishtest.NewMockSocialAPI("facebook")
	api.FailNext(1, publishtest.ServerError(500))
	p, err := New(publish.ChannelFacebook, api)
	require.NoError(t, err)

	res := p.Publish(context.Background(), publish.Artifact{Subject: "t", Body: "b"}, false)
	assert.Equal(t, publish.StatusFailed, res.Status)
	require.NotNil(t, res.Cause)
	assert.Equal(t, publish.KindBackend5xx, res.Cause.Kind)
}

func TestDryRunNeverPosts(t *testing.T) {
	api := publishtest.NewMockSocialAPI("twitter")
	p, err := New(publish.ChannelTwitter, api)
	require.NoError(t, err)

	res := p.Publish(context.Background(), publish.Artifact{Subject: "Hi", Body: "there"}, true)
	assert.Equal(t, publish.StatusDryRun, res.Status)
	assert.Zero(t, api.Calls())
	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hi: there", payload["text"])
}
