package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/api"
	"github.com/crosspost-io/crosspost/content"
	"github.com/crosspost-io/crosspost/events"
	"github.com/crosspost-io/crosspost/job"
	"github.com/crosspost-io/crosspost/job/inmem"
	"github.com/crosspost-io/crosspost/orchestrate"
	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/publish/email"
	"github.com/crosspost-io/crosspost/publish/publishtest"
	"github.com/crosspost-io/crosspost/publish/resilient"
	"github.com/crosspost-io/crosspost/publish/web"
	"github.com/crosspost-io/crosspost/render"
	"github.com/crosspost-io/crosspost/source"
)

type admitter struct {
	store job.Store
}

func (a *admitter) Admit(ctx context.Context, j job.Job) (job.Job, error) {
	return a.store.Transition(ctx, j.JobID, job.StatusPending, job.StatusScheduled, job.Patch{
		ScheduledFor: j.ScheduledFor,
	})
}

func newTestHandler(t *testing.T) (http.Handler, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	src := source.NewStatic()
	src.Put(content.RawContent{
		DocumentID: "doc-1",
		Sections: []content.Section{{
			Kind: "update", Title: "Release week", Body: "We shipped it.",
			Fields: map[string]any{"published": true},
		}},
	})
	validator, err := content.NewValidator(publish.Channels())
	require.NoError(t, err)

	registry := publish.NewRegistry()
	ep, err := email.New(publishtest.NewMockCRM())
	require.NoError(t, err)
	require.NoError(t, registry.Register(ep))
	wp, err := web.New(publishtest.NewMockPlatform())
	require.NoError(t, err)
	require.NoError(t, registry.Register(wp))

	bus := events.NewBus()
	orch := orchestrate.New(
		store, registry, src, validator,
		content.NewToneManager(nil),
		&render.Basic{BaseURL: "https://example.com", Recipients: []string{"a@example.com"}},
		bus,
		publish.NewDryRunGuard(false),
	)
	orch.SetAdmitter(&admitter{store: store})

	svc := api.New(api.Options{
		Orchestrator: orch,
		Store:        store,
		Validator:    validator,
		Source:       src,
		Bus:          bus,
		DeadLetter:   resilient.NewDeadLetter(16),
		Registry:     registry,
		Guard:        publish.NewDryRunGuard(false),
	})
	return svc.Handler(log.Context(context.Background()), false), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestSubmitJobEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"document_id": "doc-1",
		"channels":    []string{"email", "web"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Job          job.Job `json:"job"`
		Deduplicated bool    `json:"deduplicated"`
	}
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.Job.JobID)
	assert.Equal(t, job.StatusScheduled, resp.Job.Status)
	assert.False(t, resp.Deduplicated)

	// Identical resubmission returns the live job with 200.
	w = doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"document_id": "doc-1",
		"channels":    []string{"email", "web"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var dup struct {
		Job          job.Job `json:"job"`
		Deduplicated bool    `json:"deduplicated"`
	}
	decode(t, w, &dup)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, resp.Job.JobID, dup.Job.JobID)
}

func TestSubmitJobRejections(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{"channels": []string{"web"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	assert.Equal(t, "invalid_request", body.Error)

	w = doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"document_id": "doc-1",
		"channels":    []string{"myspace"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "unknown_channel", body.Error)

	w = doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"document_id": "missing-doc",
		"channels":    []string{"web"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetAndListJobs(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, job.Job{
			JobID:      fmt.Sprintf("j%d", i),
			DocumentID: "doc-1",
			Channels:   []string{"web"},
			Status:     job.StatusPending,
		}))
	}

	w := doJSON(t, h, http.MethodGet, "/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Job job.Job `json:"job"`
	}
	decode(t, w, &got)
	assert.Equal(t, "j1", got.Job.JobID)

	w = doJSON(t, h, http.MethodGet, "/v1/jobs/absent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/v1/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs  []job.Job `json:"jobs"`
		Total int       `json:"total"`
		Limit int       `json:"limit"`
	}
	decode(t, w, &list)
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Jobs, 2)
	assert.Equal(t, 2, list.Limit)

	w = doJSON(t, h, http.MethodGet, "/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJobEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"document_id": "doc-1",
		"channels":    []string{"web"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		Job job.Job `json:"job"`
	}
	decode(t, w, &resp)

	w = doJSON(t, h, http.MethodPost, "/v1/jobs/"+resp.Job.JobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancel struct {
		Cancelled bool    `json:"cancelled"`
		Job       job.Job `json:"job"`
	}
	decode(t, w, &cancel)
	assert.True(t, cancel.Cancelled)
	assert.Equal(t, job.StatusCancelled, cancel.Job.Status)

	// Cancelling a terminal job conflicts.
	w = doJSON(t, h, http.MethodPost, "/v1/jobs/"+resp.Job.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestValidateContentEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/content/validate", map[string]any{
		"document_id": "doc-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		IsValid bool `json:"is_valid"`
		Items   int  `json:"items"`
	}
	decode(t, w, &res)
	assert.True(t, res.IsValid)
	assert.Equal(t, 1, res.Items)

	// Inline draft missing required fields: the verdict is in the body, the
	// request itself is well-formed.
	w = doJSON(t, h, http.MethodPost, "/v1/content/validate", map[string]any{
		"document_id": "doc-1",
		"draft":       map[string]any{"kind": "update"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var invalid struct {
		IsValid bool              `json:"is_valid"`
		Issues  []json.RawMessage `json:"issues"`
	}
	decode(t, w, &invalid)
	assert.False(t, invalid.IsValid)
	assert.NotEmpty(t, invalid.Issues)

	w = doJSON(t, h, http.MethodPost, "/v1/content/validate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		DryRunMode bool     `json:"dry_run_mode"`
		Channels   []string `json:"channels"`
	}
	decode(t, w, &status)
	assert.False(t, status.DryRunMode)
	assert.Equal(t, []string{"email", "web"}, status.Channels)
}

func TestCacheEndpointsWithoutCoordinator(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/v1/cache/stats", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/cache/invalidate", map[string]any{"keys": []string{"k"}})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
