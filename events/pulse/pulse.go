// Package pulse publishes job events to goa.design/pulse streams so other
// processes (dashboards, workers) can consume the event feed through Redis.
// It mirrors the usual Pulse layering: callers build a Redis client, pass it
// to New, and register the resulting sink on the event bus.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/crosspost-io/crosspost/events"
)

type (
	// Options configures the sink.
	Options struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// StreamID derives the target stream from an event. Defaults to
		// "jobs/<job_id>".
		StreamID func(events.JobEvent) (string, error)
	}

	// Sink forwards job events into Pulse streams. It implements
	// events.Subscriber and is safe for concurrent use.
	Sink struct {
		rdb      *redis.Client
		maxLen   int
		streamID func(events.JobEvent) (string, error)

		mu      sync.Mutex
		streams map[string]*streaming.Stream
	}

	// envelope is the wire form of a job event on the stream.
	envelope struct {
		Type          string `json:"type"`
		JobID         string `json:"job_id"`
		CorrelationID string `json:"correlation_id"`
		Channel       string `json:"channel,omitempty"`
		Status        string `json:"status,omitempty"`
		Timestamp     string `json:"timestamp"`
	}
)

// New constructs a Pulse-backed event sink. The Redis field is required.
func New(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{
		rdb:      opts.Redis,
		maxLen:   opts.StreamMaxLen,
		streamID: streamID,
		streams:  make(map[string]*streaming.Stream),
	}, nil
}

// HandleEvent implements events.Subscriber by appending the event to the
// derived Pulse stream.
func (s *Sink) HandleEvent(ctx context.Context, event events.JobEvent) error {
	name, err := s.streamID(event)
	if err != nil {
		return err
	}
	stream, err := s.stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:          string(event.Phase),
		JobID:         event.JobID,
		CorrelationID: event.CorrelationID,
		Channel:       event.Channel,
		Status:        event.Status,
		Timestamp:     event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, string(event.Phase), payload); err != nil {
		return fmt.Errorf("add to pulse stream %q: %w", name, err)
	}
	return nil
}

// stream returns the cached handle for the named stream, opening it on first
// use.
func (s *Sink) stream(name string) (*streaming.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream, ok := s.streams[name]; ok {
		return stream, nil
	}
	var opts []streamopts.Stream
	if s.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(s.maxLen))
	}
	stream, err := streaming.NewStream(name, s.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", name, err)
	}
	s.streams[name] = stream
	return stream, nil
}

func defaultStreamID(event events.JobEvent) (string, error) {
	if event.JobID == "" {
		return "", errors.New("job event missing job id")
	}
	return "jobs/" + event.JobID, nil
}
