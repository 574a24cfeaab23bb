// Package job defines the SyncJob model, its state machine, fingerprinting,
// and the Store contract. A job is exclusively owned by its store: the
// orchestrator and scheduler mutate it only through atomic compare-and-set
// transitions, and terminal jobs are immutable.
package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/crosspost-io/crosspost/publish"
)

type (
	// Status is the job lifecycle state.
	Status string

	// Job is one synchronization request across one or more channels.
	Job struct {
		// JobID is the opaque internal identifier.
		JobID string `json:"job_id"`
		// CorrelationID is the externally visible request identifier,
		// propagated through logs and events.
		CorrelationID string `json:"correlation_id"`
		// DocumentID names the source document.
		DocumentID string `json:"document_id"`
		// Channels is the ordered set of destination channels.
		Channels []string `json:"channels"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// DryRun requests preview-only publishes for this job.
		DryRun bool `json:"dry_run,omitempty"`
		// ContentType optionally narrows which content kinds to distribute.
		ContentType string `json:"content_type,omitempty"`
		// Template optionally selects the rendering template.
		Template string `json:"template,omitempty"`
		// Fingerprint deduplicates and serializes equivalent jobs.
		Fingerprint string `json:"-"`
		// ContentHash identifies the content snapshot the job distributes.
		ContentHash string `json:"-"`

		CreatedAt    time.Time  `json:"created_at"`
		ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
		StartedAt    *time.Time `json:"started_at,omitempty"`
		CompletedAt  *time.Time `json:"completed_at,omitempty"`

		// Results holds the per-channel outcomes.
		Results map[string]publish.Result `json:"results,omitempty"`
		// Errors lists job-level error messages.
		Errors []string `json:"errors,omitempty"`
		// Metadata carries caller-provided key/value pairs.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Patch carries the fields a transition may update. Nil fields are left
	// unchanged; Results entries are merged by channel; Errors are appended.
	Patch struct {
		ScheduledFor *time.Time
		StartedAt    *time.Time
		CompletedAt  *time.Time
		Results      map[string]publish.Result
		Errors       []string
	}

	// Store is the durable-ish job registry. Implementations must apply
	// Transition atomically (compare-and-set on the from status) and give
	// readers linearizable snapshots.
	Store interface {
		// Create registers a new job. Fails if the job id already exists.
		Create(ctx context.Context, j Job) error

		// Get returns a snapshot of the job.
		Get(ctx context.Context, jobID string) (Job, error)

		// List returns jobs filtered by status (empty means all), newest
		// first, with the total match count for paging.
		List(ctx context.Context, status Status, limit, offset int) ([]Job, int, error)

		// FindActiveByFingerprint returns the non-terminal job with the
		// given fingerprint, if any.
		FindActiveByFingerprint(ctx context.Context, fingerprint string) (Job, bool, error)

		// Transition atomically moves the job from one status to another,
		// applying the patch, and returns the updated snapshot. It fails
		// with ErrConflict when the current status differs from from, and
		// with ErrTerminal when the job is already terminal.
		Transition(ctx context.Context, jobID string, from, to Status, patch Patch) (Job, error)

		// PutResult records one channel result on a non-terminal job.
		PutResult(ctx context.Context, jobID, channel string, res publish.Result) error
	}
)

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var (
	// ErrNotFound is returned when the job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a compare-and-set transition loses.
	ErrConflict = errors.New("job status conflict")
	// ErrTerminal is returned when mutating a job in a terminal state.
	ErrTerminal = errors.New("job is terminal")
	// ErrExists is returned when creating a job with a duplicate id.
	ErrExists = errors.New("job already exists")
)

// Terminal reports whether the status is terminal. Terminal states are
// immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusInProgress,
		StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from → to.
// Cancellation is accepted from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusScheduled
	case StatusScheduled:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusPartial || to == StatusFailed
	}
	return false
}

// Fingerprint computes the job fingerprint from the document, the normalized
// channel set, the content hash, and the scheduled bucket. Jobs with equal
// fingerprints are considered equivalent for single-flight purposes.
func Fingerprint(documentID string, channels []string, contentHash string, scheduledFor *time.Time) string {
	normalized := append([]string(nil), channels...)
	sort.Strings(normalized)
	bucket := ""
	if scheduledFor != nil {
		bucket = scheduledFor.UTC().Truncate(time.Minute).Format(time.RFC3339)
	}
	h := sha256.Sum256([]byte(documentID + "|" + strings.Join(normalized, ",") + "|" + contentHash + "|" + bucket))
	return hex.EncodeToString(h[:])[:20]
}

// Aggregate computes the terminal status implied by the per-channel results:
// completed when every channel succeeded (or returned dry_run), failed when
// every channel failed, partial otherwise. Skipped channels do not count as
// failures.
func Aggregate(results map[string]publish.Result) Status {
	if len(results) == 0 {
		return StatusFailed
	}
	var ok, failed int
	for _, r := range results {
		switch r.Status {
		case publish.StatusFailed:
			failed++
		default:
			ok++
		}
	}
	switch {
	case failed == 0:
		return StatusCompleted
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Clone returns a deep copy of the job so callers cannot mutate stored state.
func (j Job) Clone() Job {
	out := j
	out.Channels = append([]string(nil), j.Channels...)
	out.Errors = append([]string(nil), j.Errors...)
	if j.Results != nil {
		out.Results = make(map[string]publish.Result, len(j.Results))
		for k, v := range j.Results {
			out.Results[k] = v
		}
	}
	if j.Metadata != nil {
		out.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	if j.ScheduledFor != nil {
		t := *j.ScheduledFor
		out.ScheduledFor = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
