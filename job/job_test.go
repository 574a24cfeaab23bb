package job

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/crosspost-io/crosspost/publish"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusScheduled.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusPartial.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusScheduled, true},
		{StatusScheduled, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusPartial, true},
		{StatusInProgress, StatusFailed, true},
		{StatusPending, StatusInProgress, false},
		{StatusScheduled, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		// Cancellation is allowed from every non-terminal state.
		{StatusPending, StatusCancelled, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusCancelled, StatusCancelled, false},
		{StatusFailed, StatusCancelled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestFingerprintChannelOrderInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("channel order does not change the fingerprint", prop.ForAll(
		func(doc, hash string) bool {
			a := Fingerprint(doc, []string{"email", "web", "twitter"}, hash, nil)
			b := Fingerprint(doc, []string{"twitter", "email", "web"}, hash, nil)
			return a == b
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("different content hashes diverge", prop.ForAll(
		func(doc, hash string) bool {
			a := Fingerprint(doc, []string{"email"}, hash, nil)
			b := Fingerprint(doc, []string{"email"}, hash+"x", nil)
			return a != b
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestFingerprintScheduleBucketedToMinute(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 30, 5, 0, time.UTC)
	sameMinute := base.Add(40 * time.Second)
	nextMinute := base.Add(time.Minute)

	a := Fingerprint("doc", []string{"web"}, "h", &base)
	b := Fingerprint("doc", []string{"web"}, "h", &sameMinute)
	c := Fingerprint("doc", []string{"web"}, "h", &nextMinute)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	immediate := Fingerprint("doc", []string{"web"}, "h", nil)
	assert.NotEqual(t, a, immediate)
}

func TestAggregate(t *testing.T) {
	ok := publish.Result{Status: publish.StatusSuccess}
	dry := publish.Result{Status: publish.StatusDryRun}
	bad := publish.Result{Status: publish.StatusFailed}
	skip := publish.Result{Status: publish.StatusSkipped}

	cases := []struct {
		name    string
		results map[string]publish.Result
		want    Status
	}{
		{"all success", map[string]publish.Result{"email": ok, "web": ok}, StatusCompleted},
		{"dry runs count as success", map[string]publish.Result{"email": dry, "web": dry}, StatusCompleted},
		{"all failed", map[string]publish.Result{"email": bad, "web": bad}, StatusFailed},
		{"mixed", map[string]publish.Result{"email": ok, "web": bad}, StatusPartial},
		{"skip does not fail the job", map[string]publish.Result{"email": ok, "web": skip}, StatusCompleted},
		{"no results", nil, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Aggregate(tc.results))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	j := Job{
		JobID:    "j1",
		Channels: []string{"email"},
		Results:  map[string]publish.Result{"email": {Status: publish.StatusSuccess}},
		Metadata: map[string]string{"k": "v"},
		StartedAt: &now,
	}
	c := j.Clone()
	c.Channels[0] = "web"
	c.Results["email"] = publish.Result{Status: publish.StatusFailed}
	c.Metadata["k"] = "other"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "email", j.Channels[0])
	assert.Equal(t, publish.StatusSuccess, j.Results["email"].Status)
	assert.Equal(t, "v", j.Metadata["k"])
	assert.Equal(t, now, *j.StartedAt)
}
