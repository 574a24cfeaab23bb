// Package inmem provides an in-memory implementation of job.Store for tests,
// local development, and deployments that accept losing job history across
// restarts. All operations are thread-safe; snapshots returned to callers are
// deep copies of stored state.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosspost-io/crosspost/job"
	"github.com/crosspost-io/crosspost/publish"
)

type (
	// Store implements job.Store in memory with retention-based eviction of
	// terminal jobs.
	Store struct {
		mu   sync.RWMutex
		jobs map[string]job.Job

		retention time.Duration
		capacity  int
		now       func() time.Time
	}

	// Option configures the store.
	Option func(*Store)
)

// WithRetention bounds how long terminal jobs are kept. The value is clamped
// to the 24h..30d range. Non-terminal jobs are never evicted.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d < 24*time.Hour {
			d = 24 * time.Hour
		}
		if d > 30*24*time.Hour {
			d = 30 * 24 * time.Hour
		}
		s.retention = d
	}
}

// WithCapacity bounds the total number of stored jobs. When the capacity is
// reached, terminal jobs are evicted oldest-created first.
func WithCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs an empty Store with a 7 day terminal retention and a 10000
// job capacity.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[string]job.Job),
		retention: 7 * 24 * time.Hour,
		capacity:  10000,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements job.Store.
func (s *Store) Create(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.JobID]; dup {
		return job.ErrExists
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now().UTC()
	}
	s.evictLocked()
	s.jobs[j.JobID] = j.Clone()
	return nil
}

// Get implements job.Store.
func (s *Store) Get(_ context.Context, jobID string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j.Clone(), nil
}

// List implements job.Store. Jobs are ordered newest first.
func (s *Store) List(_ context.Context, status job.Status, limit, offset int) ([]job.Job, int, error) {
	s.mu.RLock()
	matched := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if status != "" && j.Status != status {
			continue
		}
		matched = append(matched, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, k int) bool { return matched[i].CreatedAt.After(matched[k].CreatedAt) })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// FindActiveByFingerprint implements job.Store.
func (s *Store) FindActiveByFingerprint(_ context.Context, fingerprint string) (job.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Fingerprint == fingerprint && !j.Status.Terminal() {
			return j.Clone(), true, nil
		}
	}
	return job.Job{}, false, nil
}

// Transition implements job.Store with compare-and-set semantics on the
// current status.
func (s *Store) Transition(_ context.Context, jobID string, from, to job.Status, patch job.Patch) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	if j.Status.Terminal() {
		return job.Job{}, job.ErrTerminal
	}
	if j.Status != from {
		return job.Job{}, job.ErrConflict
	}
	if !job.CanTransition(from, to) {
		return job.Job{}, job.ErrConflict
	}
	j = j.Clone()
	j.Status = to
	applyPatch(&j, patch)
	s.jobs[jobID] = j
	return j.Clone(), nil
}

// PutResult implements job.Store.
func (s *Store) PutResult(_ context.Context, jobID, channel string, res publish.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status.Terminal() {
		return job.ErrTerminal
	}
	j = j.Clone()
	if j.Results == nil {
		j.Results = make(map[string]publish.Result)
	}
	j.Results[channel] = res
	s.jobs[jobID] = j
	return nil
}

// Sweep removes terminal jobs older than the retention window. The scheduler
// janitor calls it periodically.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().Add(-s.retention)
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// evictLocked frees room for one more job by dropping the oldest terminal
// jobs once capacity is reached. Non-terminal jobs are never evicted.
func (s *Store) evictLocked() {
	if s.capacity <= 0 || len(s.jobs) < s.capacity {
		return
	}
	terminal := make([]job.Job, 0)
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(i, k int) bool { return terminal[i].CreatedAt.Before(terminal[k].CreatedAt) })
	for _, j := range terminal {
		if len(s.jobs) < s.capacity {
			return
		}
		delete(s.jobs, j.JobID)
	}
}

func applyPatch(j *job.Job, patch job.Patch) {
	if patch.ScheduledFor != nil {
		t := patch.ScheduledFor.UTC()
		j.ScheduledFor = &t
	}
	if patch.StartedAt != nil {
		t := patch.StartedAt.UTC()
		j.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := patch.CompletedAt.UTC()
		j.CompletedAt = &t
	}
	if len(patch.Results) > 0 {
		if j.Results == nil {
			j.Results = make(map[string]publish.Result, len(patch.Results))
		}
		for k, v := range patch.Results {
			j.Results[k] = v
		}
	}
	j.Errors = append(j.Errors, patch.Errors...)
}
