package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/events"
	"github.com/crosspost-io/crosspost/job"
)

// wsWriteTimeout bounds one frame write to a WebSocket client.
const wsWriteTimeout = 10 * time.Second

type (
	snapshotFrame struct {
		Type string  `json:"type"`
		Job  job.Job `json:"job"`
	}

	eventFrame struct {
		Type  string          `json:"type"`
		Event events.JobEvent `json:"event"`
	}
)

// eventStream handles GET /v1/events: it upgrades to WebSocket and streams
// job events. A job_id query parameter filters the feed to one job and sends
// that job's current state as the first frame, so a client connecting after
// submission still sees where the job stands. Slow consumers are
// disconnected rather than buffered without bound.
func (s *Service) eventStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.URL.Query().Get("job_id")

	var snapshot *job.Job
	if jobID != "" {
		j, err := s.opts.Store.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				s.respond(ctx, w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
				return
			}
			s.respondErr(ctx, w, err)
			return
		}
		snapshot = &j
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug(ctx, log.KV{K: "msg", V: "websocket upgrade failed"}, log.KV{K: "err", V: err.Error()})
		return
	}

	if snapshot != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snapshotFrame{Type: "snapshot", Job: *snapshot}); err != nil {
			conn.Close()
			return
		}
	}

	sub, err := s.opts.Bus.Register(
		events.SubscriberFunc(func(_ context.Context, event events.JobEvent) error {
			if jobID != "" && event.JobID != jobID {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(eventFrame{Type: "event", Event: event})
		}),
		events.WithOverflow(events.Disconnect),
		events.WithCloseHook(func() { conn.Close() }),
	)
	if err != nil {
		conn.Close()
		return
	}

	// Read pump: the feed is one-way, so reads only detect client departure
	// and answer control frames.
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
