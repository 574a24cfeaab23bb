package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/content"
	"github.com/crosspost-io/crosspost/events"
	"github.com/crosspost-io/crosspost/job"
	"github.com/crosspost-io/crosspost/publish"
)

type (
	// SubmitRequest describes one sync job submission.
	SubmitRequest struct {
		// DocumentID names the source document. Required.
		DocumentID string `json:"document_id"`
		// Channels is the destination channel set. Required, non-empty.
		Channels []string `json:"channels"`
		// DryRun previews every channel without external calls.
		DryRun bool `json:"dry_run,omitempty"`
		// ContentType narrows distribution to one content kind.
		ContentType string `json:"content_type,omitempty"`
		// Template selects the rendering template.
		Template string `json:"template,omitempty"`
		// ScheduledFor defers the run; nil means as soon as possible.
		ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
		// CorrelationID ties the job to the caller's request. Generated when
		// empty.
		CorrelationID string `json:"correlation_id,omitempty"`
		// Metadata carries caller key/value pairs.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// SubmitResponse is the submission outcome. Deduplicated is true when an
	// equivalent active job already existed and its id is returned instead
	// of creating a new one.
	SubmitResponse struct {
		Job          job.Job `json:"job"`
		Deduplicated bool    `json:"deduplicated"`
	}

	// UnknownChannelError rejects a submission naming a channel that is not
	// registered.
	UnknownChannelError struct {
		Channel string
	}

	// InvalidRequestError rejects a malformed submission.
	InvalidRequestError struct {
		Reason string
		Issues []content.Issue
	}

	// SourceUnavailableError reports a content source failure.
	SourceUnavailableError struct {
		Err error
	}
)

// Error implements the error interface.
func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown channel %q", e.Channel)
}

// Error implements the error interface.
func (e *InvalidRequestError) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("%s (%d issue(s))", e.Reason, len(e.Issues))
	}
	return e.Reason
}

// Error implements the error interface.
func (e *SourceUnavailableError) Error() string {
	return "content source unavailable: " + e.Err.Error()
}

// Unwrap exposes the underlying source error.
func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// Submit validates the request, fingerprints it against active jobs, and
// either returns the equivalent in-flight job or creates and admits a new
// one. Duplicate submissions of identical content are deduplicated; the
// caller receives the first job's id.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if req.DocumentID == "" {
		return SubmitResponse{}, &InvalidRequestError{Reason: "document_id is required"}
	}
	if len(req.Channels) == 0 {
		return SubmitResponse{}, &InvalidRequestError{Reason: "at least one channel is required"}
	}
	seen := make(map[string]struct{}, len(req.Channels))
	for _, channel := range req.Channels {
		if _, ok := o.registry.Get(channel); !ok {
			return SubmitResponse{}, &UnknownChannelError{Channel: channel}
		}
		if _, dup := seen[channel]; dup {
			return SubmitResponse{}, &InvalidRequestError{Reason: fmt.Sprintf("duplicate channel %q", channel)}
		}
		seen[channel] = struct{}{}
	}
	if req.ContentType != "" && !content.KnownKind(content.Kind(req.ContentType)) {
		return SubmitResponse{}, &InvalidRequestError{Reason: fmt.Sprintf("unknown content type %q", req.ContentType)}
	}

	items, err := o.loadItems(ctx, req.DocumentID, req.ContentType)
	if err != nil {
		return SubmitResponse{}, err
	}

	contentHash := content.HashAll(items)
	fingerprint := job.Fingerprint(req.DocumentID, req.Channels, contentHash, req.ScheduledFor)
	if existing, found, err := o.store.FindActiveByFingerprint(ctx, fingerprint); err != nil {
		return SubmitResponse{}, fmt.Errorf("fingerprint lookup: %w", err)
	} else if found {
		log.Debug(ctx, log.KV{K: "msg", V: "submission deduplicated"},
			log.KV{K: "job_id", V: existing.JobID}, log.KV{K: "fingerprint", V: fingerprint})
		o.count("jobs_deduplicated")
		return SubmitResponse{Job: existing, Deduplicated: true}, nil
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	j := job.Job{
		JobID:         uuid.NewString(),
		CorrelationID: correlationID,
		DocumentID:    req.DocumentID,
		Channels:      append([]string(nil), req.Channels...),
		Status:        job.StatusPending,
		DryRun:        req.DryRun,
		ContentType:   req.ContentType,
		Template:      req.Template,
		Fingerprint:   fingerprint,
		ContentHash:   contentHash,
		CreatedAt:     o.now().UTC(),
		ScheduledFor:  req.ScheduledFor,
		Metadata:      req.Metadata,
	}
	if err := o.store.Create(ctx, j); err != nil {
		if errors.Is(err, job.ErrExists) {
			return SubmitResponse{}, fmt.Errorf("job id collision: %w", err)
		}
		return SubmitResponse{}, fmt.Errorf("create job: %w", err)
	}
	admitted, err := o.admitter.Admit(ctx, j)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("admit job: %w", err)
	}
	o.count("jobs_submitted", "dry_run", fmt.Sprintf("%t", admitted.DryRun || o.guard.Enabled()))
	log.Info(ctx, log.KV{K: "msg", V: "job submitted"}, log.KV{K: "job_id", V: admitted.JobID},
		log.KV{K: "document_id", V: req.DocumentID}, log.KV{K: "channels", V: len(req.Channels)})
	return SubmitResponse{Job: admitted}, nil
}

// Cancel requests cancellation. Pending and scheduled jobs become cancelled
// immediately. An in-progress job receives a cooperative signal: channels
// that have not started are skipped, in-flight publishes finish and their
// results are recorded, and the job lands in cancelled. Cancelling a
// terminal job fails with job.ErrTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (job.Job, error) {
	for {
		current, err := o.store.Get(ctx, jobID)
		if err != nil {
			return job.Job{}, err
		}
		if current.Status.Terminal() {
			return current, job.ErrTerminal
		}
		if current.Status == job.StatusInProgress {
			o.signalCancel(jobID)
			o.count("jobs_cancel_requested", "phase", "in_progress")
			return current, nil
		}
		completed := o.now().UTC()
		cancelled, err := o.store.Transition(ctx, jobID, current.Status, job.StatusCancelled, job.Patch{
			CompletedAt: &completed,
		})
		if err != nil {
			if errors.Is(err, job.ErrConflict) {
				// The job moved under us; re-read and retry.
				continue
			}
			return job.Job{}, err
		}
		o.count("jobs_cancel_requested", "phase", string(current.Status))
		o.emit(ctx, events.JobEvent{
			JobID:         cancelled.JobID,
			CorrelationID: cancelled.CorrelationID,
			Phase:         events.PhaseStatus,
			Status:        string(job.StatusCancelled),
		})
		return cancelled, nil
	}
}

// Retry creates a new job covering the channels that did not succeed in a
// terminal job. Completed jobs have nothing to retry.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (SubmitResponse, error) {
	original, err := o.store.Get(ctx, jobID)
	if err != nil {
		return SubmitResponse{}, err
	}
	if !original.Status.Terminal() {
		return SubmitResponse{}, &InvalidRequestError{Reason: "job is still active; cancel it before retrying"}
	}
	channels := retryChannels(original)
	if len(channels) == 0 {
		return SubmitResponse{}, &InvalidRequestError{Reason: "every channel succeeded; nothing to retry"}
	}
	meta := make(map[string]string, len(original.Metadata)+1)
	for k, v := range original.Metadata {
		meta[k] = v
	}
	meta["retry_of"] = original.JobID
	return o.Submit(ctx, SubmitRequest{
		DocumentID:    original.DocumentID,
		Channels:      channels,
		DryRun:        original.DryRun,
		ContentType:   original.ContentType,
		Template:      original.Template,
		CorrelationID: original.CorrelationID,
		Metadata:      meta,
	})
}

// signalCancel closes the job's stop signal, once.
func (o *Orchestrator) signalCancel(jobID string) {
	o.mu.Lock()
	state := o.running[jobID]
	o.mu.Unlock()
	if state != nil {
		state.once.Do(func() { close(state.stopNew) })
	}
}

// retryChannels lists the channels whose result is missing, failed, or
// skipped.
func retryChannels(j job.Job) []string {
	out := make([]string, 0, len(j.Channels))
	for _, channel := range j.Channels {
		res, ok := j.Results[channel]
		if !ok || res.Status == publish.StatusFailed || res.Status == publish.StatusSkipped {
			out = append(out, channel)
		}
	}
	return out
}
