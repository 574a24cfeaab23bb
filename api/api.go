// Package api exposes the pipeline over HTTP: job submission and lifecycle,
// content validation, cache invalidation, the dead-letter queue, health, and
// the WebSocket event feed. Handlers are mounted on a goa muxer and wrapped
// with the clue logging and debug middleware by the caller.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/crosspost-io/crosspost/cache"
	"github.com/crosspost-io/crosspost/content"
	"github.com/crosspost-io/crosspost/events"
	"github.com/crosspost-io/crosspost/job"
	"github.com/crosspost-io/crosspost/orchestrate"
	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/publish/resilient"
	"github.com/crosspost-io/crosspost/source"
)

type (
	// Options carries the service dependencies. Orchestrator, Store,
	// Validator, Source, and Bus are required; the rest degrade gracefully
	// when nil.
	Options struct {
		Orchestrator *orchestrate.Orchestrator
		Store        job.Store
		Validator    *content.Validator
		Source       source.ContentSource
		Bus          *events.Bus
		Coordinator  *cache.Coordinator
		DeadLetter   *resilient.DeadLetter
		Registry     *publish.Registry
		Circuits     map[string]*resilient.Breaker
		Guard        publish.DryRunGuard
		Pingers      []health.Pinger
	}

	// Service is the HTTP facade over the pipeline.
	Service struct {
		opts     Options
		checker  health.Checker
		upgrader websocket.Upgrader
	}

	errorBody struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	}
)

// New constructs the HTTP service.
func New(opts Options) *Service {
	return &Service{
		opts:    opts,
		checker: health.NewChecker(opts.Pingers...),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler builds the HTTP handler: routes on a goa muxer, debug endpoints
// when dbg is set, and the logging middleware bound to ctx.
func (s *Service) Handler(ctx context.Context, dbg bool) http.Handler {
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}

	mux.Handle("POST", "/v1/jobs", s.submitJob)
	mux.Handle("GET", "/v1/jobs", s.listJobs)
	mux.Handle("GET", "/v1/jobs/{job_id}", s.getJob(mux))
	mux.Handle("POST", "/v1/jobs/{job_id}/cancel", s.cancelJob(mux))
	mux.Handle("POST", "/v1/jobs/{job_id}/retry", s.retryJob(mux))
	mux.Handle("POST", "/v1/content/validate", s.validateContent)
	mux.Handle("POST", "/v1/cache/invalidate", s.invalidateCache)
	mux.Handle("GET", "/v1/cache/stats", s.cacheStats)
	mux.Handle("GET", "/v1/deadletter", s.deadLetterEntries)
	mux.Handle("POST", "/v1/deadletter/drain", s.deadLetterDrain)
	mux.Handle("GET", "/v1/status", s.status)
	mux.Handle("GET", "/v1/events", s.eventStream)
	mux.Handle("GET", "/healthz", health.Handler(s.checker))
	mux.Handle("GET", "/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// respond writes a JSON response through the goa encoder.
func (s *Service) respond(ctx context.Context, w http.ResponseWriter, code int, body any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(code)
	if body == nil {
		return
	}
	if err := enc.Encode(body); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode response failed"})
	}
}

// respondErr maps domain errors to the wire taxonomy.
func (s *Service) respondErr(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		invalid *orchestrate.InvalidRequestError
		unknown *orchestrate.UnknownChannelError
		unavail *orchestrate.SourceUnavailableError
	)
	switch {
	case errors.As(err, &invalid):
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: invalid.Reason, Details: invalid.Issues})
	case errors.As(err, &unknown):
		s.respond(ctx, w, http.StatusBadRequest, errorBody{Error: "unknown_channel", Message: unknown.Error()})
	case errors.As(err, &unavail):
		s.respond(ctx, w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: unavail.Error()})
	case errors.Is(err, job.ErrNotFound):
		s.respond(ctx, w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrExists):
		s.respond(ctx, w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()})
	default:
		log.Error(ctx, err, log.KV{K: "msg", V: "request failed"})
		s.respond(ctx, w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: err.Error()})
	}
}
