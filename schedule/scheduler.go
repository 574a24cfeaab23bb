// Package schedule owns job timing: releasing scheduled jobs when they come
// due, enforcing single-flight serialization per fingerprint, holding the
// per-channel token buckets, planning weekly content batches, and sweeping
// terminal jobs past retention.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/job"
)

type (
	// Runner executes one released job to its terminal state. The
	// orchestrator implements it.
	Runner interface {
		Run(ctx context.Context, j job.Job)
	}

	// Config tunes the scheduler loop.
	Config struct {
		// PollInterval is the release-check cadence. Default 100ms, keeping
		// worst-case release skew well under the 250ms start bound.
		PollInterval time.Duration
		// Workers bounds concurrent job runs. Default 8.
		Workers int
		// ReleaseBatch caps jobs examined per tick. Default 256.
		ReleaseBatch int
	}

	// Scheduler drives the release loop. Jobs admitted in pending move to
	// scheduled; due jobs are handed to the worker pool unless another job
	// with the same fingerprint is still in flight, in which case they stay
	// scheduled and are re-examined after the first finishes.
	Scheduler struct {
		cfg    Config
		store  job.Store
		runner Runner
		now    func() time.Time

		runCh chan job.Job

		mu       sync.Mutex
		inflight map[string]string
	}

	// Option configures the scheduler.
	Option func(*Scheduler)
)

// ErrNotPending is returned when admitting a job that already left pending.
var ErrNotPending = errors.New("job is not pending")

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New constructs a scheduler over the store, dispatching released jobs to the
// runner.
func New(store job.Store, runner Runner, cfg Config, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ReleaseBatch <= 0 {
		cfg.ReleaseBatch = 256
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		now:      time.Now,
		runCh:    make(chan job.Job, cfg.Workers*2),
		inflight: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit moves a freshly created job from pending to scheduled. Immediate jobs
// (nil ScheduledFor) become due on the next tick.
func (s *Scheduler) Admit(ctx context.Context, j job.Job) (job.Job, error) {
	updated, err := s.store.Transition(ctx, j.JobID, job.StatusPending, job.StatusScheduled, job.Patch{
		ScheduledFor: j.ScheduledFor,
	})
	if err != nil {
		if errors.Is(err, job.ErrConflict) || errors.Is(err, job.ErrTerminal) {
			return job.Job{}, ErrNotPending
		}
		return job.Job{}, err
	}
	return updated, nil
}

// Start runs the release loop and the worker pool until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.releaseDue(ctx)
		}
	}
}

// InFlight returns the number of fingerprints currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// releaseDue scans scheduled jobs and dispatches those whose time has come.
func (s *Scheduler) releaseDue(ctx context.Context) {
	jobs, _, err := s.store.List(ctx, job.StatusScheduled, s.cfg.ReleaseBatch, 0)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduler list failed"})
		return
	}
	now := s.now().UTC()
	for _, j := range jobs {
		if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
			continue
		}
		s.dispatch(ctx, j)
	}
}

// dispatch hands the job to the pool unless its fingerprint is in flight or
// the pool is saturated; in both cases the job stays scheduled for a later
// tick.
func (s *Scheduler) dispatch(ctx context.Context, j job.Job) {
	s.mu.Lock()
	if holder, busy := s.inflight[j.Fingerprint]; busy && j.Fingerprint != "" {
		s.mu.Unlock()
		log.Debug(ctx, log.KV{K: "msg", V: "job serialized behind in-flight fingerprint"},
			log.KV{K: "job_id", V: j.JobID}, log.KV{K: "holder", V: holder})
		return
	}
	if j.Fingerprint != "" {
		s.inflight[j.Fingerprint] = j.JobID
	}
	s.mu.Unlock()

	select {
	case s.runCh <- j:
	default:
		s.release(j.Fingerprint)
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.runCh:
			s.runner.Run(ctx, j)
			s.release(j.Fingerprint)
		}
	}
}

func (s *Scheduler) release(fingerprint string) {
	if fingerprint == "" {
		return
	}
	s.mu.Lock()
	delete(s.inflight, fingerprint)
	s.mu.Unlock()
}
