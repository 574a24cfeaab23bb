package api

import (
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"

	"github.com/crosspost-io/crosspost/job"
	"github.com/crosspost-io/crosspost/orchestrate"
)

type (
	jobResponse struct {
		Job          job.Job `json:"job"`
		Deduplicated bool    `json:"deduplicated,omitempty"`
	}

	listJobsResponse struct {
		Jobs   []job.Job `json:"jobs"`
		Total  int       `json:"total"`
		Limit  int       `json:"limit"`
		Offset int       `json:"offset"`
	}

	cancelResponse struct {
		Cancelled bool    `json:"cancelled"`
		Job       job.Job `json:"job"`
	}
)

// submitJob handles POST /v1/jobs.
func (s *Service) submitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req orchestrate.SubmitRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "malformed request body: " + err.Error()})
		return
	}
	res, err := s.opts.Orchestrator.Submit(ctx, req)
	if err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	code := http.StatusAccepted
	if res.Deduplicated {
		code = http.StatusOK
	}
	s.respond(ctx, w, code, jobResponse{Job: res.Job, Deduplicated: res.Deduplicated})
}

// listJobs handles GET /v1/jobs with optional status, limit, and offset query
// parameters.
func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	status := job.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "unknown status " + strconv.Quote(string(status))})
		return
	}
	limit := intQuery(q.Get("limit"), 50)
	if limit > 500 {
		limit = 500
	}
	offset := intQuery(q.Get("offset"), 0)

	jobs, total, err := s.opts.Store.List(ctx, status, limit, offset)
	if err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	s.respond(ctx, w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Service) getJob(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		j, err := s.opts.Store.Get(ctx, mux.Vars(r)["job_id"])
		if err != nil {
			s.respondErr(ctx, w, err)
			return
		}
		s.respond(ctx, w, http.StatusOK, jobResponse{Job: j})
	}
}

// cancelJob handles POST /v1/jobs/{job_id}/cancel.
func (s *Service) cancelJob(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		j, err := s.opts.Orchestrator.Cancel(ctx, mux.Vars(r)["job_id"])
		if err != nil {
			s.respondErr(ctx, w, err)
			return
		}
		s.respond(ctx, w, http.StatusOK, cancelResponse{Cancelled: true, Job: j})
	}
}

// retryJob handles POST /v1/jobs/{job_id}/retry.
func (s *Service) retryJob(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		res, err := s.opts.Orchestrator.Retry(ctx, mux.Vars(r)["job_id"])
		if err != nil {
			s.respondErr(ctx, w, err)
			return
		}
		s.respond(ctx, w, http.StatusAccepted, jobResponse{Job: res.Job, Deduplicated: res.Deduplicated})
	}
}

func intQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
