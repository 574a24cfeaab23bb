package api

import (
	"errors"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/crosspost-io/crosspost/cache"
	"github.com/crosspost-io/crosspost/content"
)

type (
	validateRequest struct {
		// DocumentID selects a source document to validate.
		DocumentID string `json:"document_id"`
		// Draft optionally carries an inline draft; when set the draft is
		// validated instead of fetching the document.
		Draft map[string]any `json:"draft,omitempty"`
	}

	validateResponse struct {
		IsValid  bool            `json:"is_valid"`
		Items    int             `json:"items"`
		Issues   []content.Issue `json:"issues,omitempty"`
		Warnings []content.Issue `json:"warnings,omitempty"`
	}

	statusResponse struct {
		DryRunMode  bool              `json:"dry_run_mode"`
		Channels    []string          `json:"channels"`
		Circuits    map[string]string `json:"circuits,omitempty"`
		Subscribers int               `json:"event_subscribers"`
		DeadLetters int               `json:"dead_letters"`
	}
)

// validateContent handles POST /v1/content/validate. The is_valid field is
// the authoritative verdict; issues itemize what failed.
func (s *Service) validateContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req validateRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "malformed request body: " + err.Error()})
		return
	}
	if req.DocumentID == "" {
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "document_id is required"})
		return
	}

	if req.Draft != nil {
		_, warnings, err := s.opts.Validator.ValidateOne(req.DocumentID, req.Draft)
		if err != nil {
			var verr *content.ValidationError
			if errors.As(err, &verr) {
				s.respond(ctx, w, http.StatusOK, validateResponse{IsValid: false, Issues: verr.Issues, Warnings: warnings})
				return
			}
			s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
			return
		}
		s.respond(ctx, w, http.StatusOK, validateResponse{IsValid: true, Items: 1, Warnings: warnings})
		return
	}

	raw, err := s.opts.Source.Fetch(ctx, req.DocumentID)
	if err != nil {
		s.respond(ctx, w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: err.Error()})
		return
	}
	result, err := s.opts.Validator.Validate(raw)
	if err != nil {
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	s.respond(ctx, w, http.StatusOK, validateResponse{
		IsValid:  len(result.Issues) == 0 && len(result.Items) > 0,
		Items:    len(result.Items),
		Issues:   result.Issues,
		Warnings: result.Warnings,
	})
}

// invalidateCache handles POST /v1/cache/invalidate.
func (s *Service) invalidateCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.opts.Coordinator == nil {
		s.respond(ctx, w, http.StatusNotImplemented, errorBody{Error: "unavailable", Message: "cache coordination is not configured"})
		return
	}
	var req cache.Request
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "malformed request body: " + err.Error()})
		return
	}
	report, err := s.opts.Coordinator.Invalidate(ctx, req)
	if err != nil {
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	s.respond(ctx, w, http.StatusOK, report)
}

// cacheStats handles GET /v1/cache/stats.
func (s *Service) cacheStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.opts.Coordinator == nil {
		s.respond(ctx, w, http.StatusNotImplemented, errorBody{Error: "unavailable", Message: "cache coordination is not configured"})
		return
	}
	s.respond(ctx, w, http.StatusOK, s.opts.Coordinator.Stats(ctx))
}

// deadLetterEntries handles GET /v1/deadletter.
func (s *Service) deadLetterEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.opts.DeadLetter == nil {
		s.respond(ctx, w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	s.respond(ctx, w, http.StatusOK, map[string]any{"entries": s.opts.DeadLetter.Entries()})
}

// deadLetterDrain handles POST /v1/deadletter/drain: it removes and returns
// every queued entry.
func (s *Service) deadLetterDrain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.opts.DeadLetter == nil {
		s.respond(ctx, w, http.StatusOK, map[string]any{"drained": []any{}})
		return
	}
	s.respond(ctx, w, http.StatusOK, map[string]any{"drained": s.opts.DeadLetter.Drain()})
}

// status handles GET /v1/status with a runtime snapshot: dry-run mode,
// registered channels, circuit states, and queue depths.
func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		DryRunMode: s.opts.Guard.Enabled(),
	}
	if s.opts.Registry != nil {
		resp.Channels = s.opts.Registry.Channels()
	}
	if len(s.opts.Circuits) > 0 {
		resp.Circuits = make(map[string]string, len(s.opts.Circuits))
		for channel, breaker := range s.opts.Circuits {
			resp.Circuits[channel] = breaker.State().String()
		}
	}
	if s.opts.Bus != nil {
		resp.Subscribers = s.opts.Bus.SubscriberCount()
	}
	if s.opts.DeadLetter != nil {
		resp.DeadLetters = s.opts.DeadLetter.Len()
	}
	s.respond(ctx, w, http.StatusOK, resp)
}
