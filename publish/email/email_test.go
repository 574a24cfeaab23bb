package email

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/publish/publishtest"
)

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user%d@example.com", i)
	}
	return out
}

func artifact(n int) publish.Artifact {
	return publish.Artifact{
		ContentID:  "c1",
		Subject:    "Weekly update",
		HTML:       "<p>News</p>",
		Recipients: recipients(n),
	}
}

func TestPublishSplitsIntoBatches(t *testing.T) {
	crm := publishtest.NewMockCRM()
	p, err := New(crm)
	require.NoError(t, err)

	res := p.Publish(context.Background(), artifact(120), false)
	assert.Equal(t, publish.StatusSuccess, res.Status)
	assert.Equal(t, 120, res.Sent)
	// 120 recipients at a batch size of 50 is three batches.
	assert.Equal(t, 3, crm.Calls())
}

func TestPublishFailedBatchReportsPartialSent(t *testing.T) {
	// First batch of 10 goes through, then the CRM fails.
	failing := &failAfter{inner: publishtest.NewMockCRM(), allow: 1, err: publishtest.ServerError(502)}
	p, err := New(failing, WithLimits(publish.Limits{SubjectMax: 100, BatchSize: 10}))
	require.NoError(t, err)

	res := p.Publish(context.Background(), artifact(25), false)
	assert.Equal(t, publish.StatusFailed, res.Status)
	assert.Equal(t, 10, res.Sent, "recipients accepted before the failure are counted")
	require.NotNil(t, res.Cause)
	assert.Equal(t, publish.KindBackend5xx, res.Cause.Kind)
}

// failAfter passes through `allow` batches then fails every call.
type failAfter struct {
	inner *publishtest.MockCRM
	allow int
	err   error
}

func (f *failAfter) SendBatch(ctx context.Context, subject, html string, recipients []string) (int, error) {
	if f.allow <= 0 {
		return 0, f.err
	}
	f.allow--
	return f.inner.SendBatch(ctx, subject, html, recipients)
}

func TestValidate(t *testing.T) {
	p, err := New(publishtest.NewMockCRM())
	require.NoError(t, err)

	assert.Empty(t, p.Validate(artifact(1)))

	a := artifact(1)
	a.Subject = ""
	assert.Contains(t, p.Validate(a), "subject is required")

	a = artifact(1)
	a.Subject = string(make([]rune, 101))
	issues := p.Validate(a)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "exceeds 100")

	a = artifact(0)
	assert.Contains(t, p.Validate(a), "at least one recipient is required")

	a = artifact(1)
	a.HTML = ""
	assert.Contains(t, p.Validate(a), "html body is required")
}

func TestPublishValidationFailureSkipsCRM(t *testing.T) {
	crm := publishtest.NewMockCRM()
	p, err := New(crm)
	require.NoError(t, err)

	a := artifact(5)
	a.Subject = ""
	res := p.Publish(context.Background(), a, false)
	assert.Equal(t, publish.StatusFailed, res.Status)
	require.NotNil(t, res.Cause)
	assert.Equal(t, publish.KindValidation, res.Cause.Kind)
	assert.Zero(t, crm.Calls())
}

func TestDryRunNeverTouchesCRM(t *testing.T) {
	crm := publishtest.NewMockCRM()
	p, err := New(crm)
	require.NoError(t, err)

	res := p.Publish(context.Background(), artifact(75), true)
	assert.Equal(t, publish.StatusDryRun, res.Status)
	assert.Equal(t, 75, res.Sent, "dry run reports would-be recipient count")
	assert.Zero(t, crm.Calls())
	assert.NotNil(t, res.Payload)
}
