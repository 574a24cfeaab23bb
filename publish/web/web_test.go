package web

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/publish/publishtest"
)

func artifact() publish.Artifact {
	return publish.Artifact{
		ContentID: "c1",
		Subject:   "Release notes",
		HTML:      "<h1>Release</h1><p>Details</p>",
	}
}

func TestPublishUpsertIsIdempotent(t *testing.T) {
	platform := publishtest.NewMockPlatform()
	p, err := New(platform)
	require.NoError(t, err)
	ctx := context.Background()

	first := p.Publish(ctx, artifact(), false)
	require.Equal(t, publish.StatusSuccess, first.Status)
	assert.Equal(t, "web-c1", first.ContentID)
	assert.Equal(t, 1, platform.Writes())

	// Republishing identical content returns the same remote id with no new
	// write on the platform.
	second := p.Publish(ctx, artifact(), false)
	require.Equal(t, publish.StatusSuccess, second.Status)
	assert.Equal(t, first.ContentID, second.ContentID)
	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, 1, platform.Writes())
	assert.Equal(t, 2, platform.Calls())

	// Changed content is a new write under the same key.
	changed := artifact()
	changed.HTML = "<h1>Release</h1><p>Amended</p>"
	third := p.Publish(ctx, changed, false)
	require.Equal(t, publish.StatusSuccess, third.Status)
	assert.Equal(t, 2, platform.Writes())
}

func TestPublishBackendFailure(t *testing.T) {
	platform := publishtest.NewMockPlatform()
	platform.FailNext(1, publishtest.ServerError(503))
	p, err := New(platform)
	require.NoError(t, err)

	res := p.Publish(context.Background(), artifact(), false)
	assert.Equal(t, publish.StatusFailed, res.Status)
	require.NotNil(t, res.Cause)
	assert.Equal(t, publish.KindBackend5xx, res.Cause.Kind)
}

func TestValidateHTML(t *testing.T) {
	p, err := New(publishtest.NewMockPlatform())
	require.NoError(t, err)

	assert.Empty(t, p.Validate(artifact()))

	a := artifact()
	a.HTML = "<p>unclosed paragraph"
	issues := p.Validate(a)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "malformed html")

	a = artifact()
	a.HTML = "<p>text</div>"
	issues = p.Validate(a)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "malformed html")

	// Void elements need no closing tag.
	a = artifact()
	a.HTML = "<p>line one<br>line two</p>"
	assert.Empty(t, p.Validate(a))

	a = artifact()
	a.Subject = ""
	assert.Contains(t, p.Validate(a), "title is required")
}

func TestDryRunNeverTouchesPlatform(t *testing.T) {
	platform := publishtest.NewMockPlatform()
	p, err := New(platform)
	require.NoError(t, err)

	res := p.Publish(context.Background(), artifact(), true)
	assert.Equal(t, publish.StatusDryRun, res.Status)
	assert.Zero(t, platform.Calls())
	assert.NotNil(t, res.Payload)
}
