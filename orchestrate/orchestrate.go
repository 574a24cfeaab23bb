// Package orchestrate coordinates one sync job end to end: fetching the
// source document, validating and selecting content, rendering per-channel
// artifacts, fanning publishes out concurrently, and aggregating the channel
// results into the job's terminal status. Channel failures are isolated; one
// channel failing never prevents the others from completing.
package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/crosspost-io/crosspost/cache"
	"github.com/crosspost-io/crosspost/content"
	"github.com/crosspost-io/crosspost/events"
	"github.com/crosspost-io/crosspost/job"
	"github.com/crosspost-io/crosspost/publish"
	"github.com/crosspost-io/crosspost/render"
	"github.com/crosspost-io/crosspost/source"
	"github.com/crosspost-io/crosspost/telemetry"
)

type (
	// RateLimiter gates channel invocations. Acquire blocks until a token is
	// available or the deferral bound passes, then fails with a rate_limited
	// error.
	RateLimiter interface {
		Acquire(ctx context.Context, channel string) error
	}

	// Admitter moves a created job from pending into the scheduler's hands.
	Admitter interface {
		Admit(ctx context.Context, j job.Job) (job.Job, error)
	}

	// Orchestrator executes sync jobs. All state lives in the job store; the
	// orchestrator itself only tracks in-flight cancellation signals.
	Orchestrator struct {
		store     job.Store
		registry  *publish.Registry
		src       source.ContentSource
		validator *content.Validator
		tone      *content.ToneManager
		renderer  render.Renderer
		bus       *events.Bus
		guard     publish.DryRunGuard
		metrics   *telemetry.Metrics
		limiter   RateLimiter
		admitter  Admitter
		cache     *cache.ContentCache

		jobDeadline time.Duration
		now         func() time.Time

		mu      sync.Mutex
		running map[string]*runState
	}

	// runState carries the cooperative cancel signal for one running job.
	// Closing stopNew prevents channels that have not started; in-flight
	// publishes run to completion.
	runState struct {
		stopNew chan struct{}
		once    sync.Once
	}

	// Option configures the orchestrator.
	Option func(*Orchestrator)
)

// DefaultJobDeadline bounds one job run end to end.
const DefaultJobDeadline = 5 * time.Minute

// WithJobDeadline overrides the per-job deadline.
func WithJobDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.jobDeadline = d
		}
	}
}

// WithRateLimiter installs the channel token buckets. Without one, channel
// invocations are not rate limited.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithContentCache caches validated content between submissions and runs of
// the same document. Loads are single-flight per cache key.
func WithContentCache(c *cache.ContentCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithMetrics installs the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New constructs an orchestrator. The admitter is installed separately with
// SetAdmitter because the scheduler and the orchestrator reference each
// other at wiring time.
func New(
	store job.Store,
	registry *publish.Registry,
	src source.ContentSource,
	validator *content.Validator,
	tone *content.ToneManager,
	renderer render.Renderer,
	bus *events.Bus,
	guard publish.DryRunGuard,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		registry:    registry,
		src:         src,
		validator:   validator,
		tone:        tone,
		renderer:    renderer,
		bus:         bus,
		guard:       guard,
		jobDeadline: DefaultJobDeadline,
		now:         time.Now,
		running:     make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetAdmitter wires the scheduler hand-off for Submit.
func (o *Orchestrator) SetAdmitter(a Admitter) { o.admitter = a }

// Run executes one released job to its terminal state. It is called by the
// scheduler's worker pool; calling it with a job that is not in scheduled
// state is a no-op.
func (o *Orchestrator) Run(ctx context.Context, j job.Job) {
	started := o.now().UTC()
	current, err := o.store.Transition(ctx, j.JobID, job.StatusScheduled, job.StatusInProgress, job.Patch{
		StartedAt: &started,
	})
	if err != nil {
		// Cancelled or already claimed; nothing to run.
		log.Debug(ctx, log.KV{K: "msg", V: "job not runnable"}, log.KV{K: "job_id", V: j.JobID},
			log.KV{K: "err", V: err.Error()})
		return
	}
	ctx = log.With(ctx, log.KV{K: "job_id", V: current.JobID}, log.KV{K: "correlation_id", V: current.CorrelationID})
	o.emit(ctx, events.JobEvent{
		JobID:         current.JobID,
		CorrelationID: current.CorrelationID,
		Phase:         events.PhaseStatus,
		Status:        string(job.StatusInProgress),
	})

	state := o.track(current.JobID)
	defer o.untrack(current.JobID)

	jobCtx, cancel := context.WithTimeout(ctx, o.jobDeadline)
	defer cancel()

	results, jobErrs := o.runChannels(jobCtx, state, current)
	o.finalize(ctx, state, current, results, jobErrs, started)
}

// runChannels prepares the content once and fans the publish out across the
// job's channels. It returns the per-channel results and any job-level
// errors.
func (o *Orchestrator) runChannels(ctx context.Context, state *runState, j job.Job) (map[string]publish.Result, []string) {
	items, err := o.loadItems(ctx, j.DocumentID, j.ContentType)
	if err != nil {
		// Job-level validation or fetch failure aborts before any channel
		// dispatch.
		log.Error(ctx, err, log.KV{K: "msg", V: "job preparation failed"})
		return nil, []string{err.Error()}
	}

	dryRun := j.DryRun || o.guard.Enabled()
	segment := content.Segment(j.Metadata["segment"])

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]publish.Result, len(j.Channels))
	)
	for _, channel := range j.Channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			res := o.publishChannel(ctx, state, j, items, channel, segment, dryRun)
			mu.Lock()
			results[channel] = res
			mu.Unlock()
			if err := o.store.PutResult(ctx, j.JobID, channel, res); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "record channel result failed"},
					log.KV{K: "channel", V: channel})
			}
			o.emit(ctx, events.JobEvent{
				JobID:         j.JobID,
				CorrelationID: j.CorrelationID,
				Channel:       channel,
				Phase:         events.PhaseFinished,
				Result:        &res,
			})
		}(channel)
	}
	wg.Wait()
	return results, nil
}

// publishChannel runs the per-channel pipeline: item routing, rate gate,
// then tone, render, channel validation, and publish for every item that
// targets the channel. The per-item outcomes merge into one channel result;
// every failure is folded into it so sibling channels are unaffected.
func (o *Orchestrator) publishChannel(ctx context.Context, state *runState, j job.Job, items []content.Item, channel string, segment content.Segment, dryRun bool) publish.Result {
	targeted := itemsForChannel(items, channel)
	if len(targeted) == 0 {
		return skippedResult(channel, "", "no item targets the channel")
	}

	select {
	case <-state.stopNew:
		return skippedResult(channel, targeted[0].ID, "cancelled before start")
	case <-ctx.Done():
		return o.failedResult(channel, targeted[0].ID, publish.AsError(ctx.Err()), 1)
	default:
	}

	pub, ok := o.registry.Get(channel)
	if !ok {
		return o.failedResult(channel, targeted[0].ID,
			&publish.Error{Kind: publish.KindInternal, Message: "no publisher registered for " + channel}, 1)
	}

	if o.limiter != nil {
		if err := o.limiter.Acquire(ctx, channel); err != nil {
			cause := publish.AsError(err)
			o.count("channel_rate_deferrals_exceeded", "channel", channel)
			return o.failedResult(channel, targeted[0].ID, cause, 1)
		}
	}

	o.emit(ctx, events.JobEvent{
		JobID:         j.JobID,
		CorrelationID: j.CorrelationID,
		Channel:       channel,
		Phase:         events.PhaseStarted,
	})

	results := make([]publish.Result, 0, len(targeted))
	for _, item := range targeted {
		results = append(results, o.publishItem(ctx, j, pub, item, channel, segment, dryRun))
	}
	return mergeResults(results)
}

// publishItem runs one item through tone, render, channel validation, and
// the publisher.
func (o *Orchestrator) publishItem(ctx context.Context, j job.Job, pub publish.Publisher, item content.Item, channel string, segment content.Segment, dryRun bool) publish.Result {
	toned := o.tone.Apply(item, channel, segment)
	artifact, err := o.renderer.Render(ctx, toned, channel, j.Template)
	if err != nil {
		return o.failedResult(channel, item.ID,
			&publish.Error{Kind: publish.KindValidation, Message: err.Error()}, 1)
	}
	if issues := pub.Validate(artifact); len(issues) > 0 {
		return o.failedResult(channel, item.ID,
			&publish.Error{Kind: publish.KindValidation, Message: strings.Join(issues, "; ")}, 1)
	}

	o.emit(ctx, events.JobEvent{
		JobID:         j.JobID,
		CorrelationID: j.CorrelationID,
		Channel:       channel,
		Phase:         events.PhaseProgress,
	})

	begin := o.now()
	res := pub.Publish(ctx, artifact, dryRun)
	if res.Channel == "" {
		res.Channel = channel
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = o.now().UTC()
	}
	if res.Attempts < 1 {
		res.Attempts = 1
	}
	o.count("channel_publishes", "channel", channel, "status", string(res.Status))
	o.timer("channel_publish_duration", o.now().Sub(begin), "channel", channel)
	return res
}

// itemsForChannel filters to the items whose channel restriction, when any,
// names the channel. An item without restrictions goes everywhere.
func itemsForChannel(items []content.Item, channel string) []content.Item {
	out := make([]content.Item, 0, len(items))
	for _, item := range items {
		if len(item.Channels) == 0 {
			out = append(out, item)
			continue
		}
		for _, c := range item.Channels {
			if c == channel {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// mergeResults folds the per-item outcomes into the channel result. Sent
// counts and attempts accumulate; any failed item marks the channel failed
// with that item's error.
func mergeResults(results []publish.Result) publish.Result {
	merged := results[0]
	if len(results) == 1 {
		return merged
	}
	payloads := make([]any, 0, len(results))
	if merged.Payload != nil {
		payloads = append(payloads, merged.Payload)
	}
	for _, r := range results[1:] {
		merged.Sent += r.Sent
		merged.Attempts += r.Attempts
		if r.Timestamp.After(merged.Timestamp) {
			merged.Timestamp = r.Timestamp
		}
		if r.Payload != nil {
			payloads = append(payloads, r.Payload)
		}
		if r.Status == publish.StatusFailed && merged.Status != publish.StatusFailed {
			merged.Status = r.Status
			merged.Error = r.Error
			merged.Cause = r.Cause
		}
	}
	if len(payloads) > 0 {
		merged.Payload = payloads
	}
	return merged
}

// loadItems fetches, validates, and filters the document's content, through
// the content cache when one is wired. Errors are typed for the API layer.
func (o *Orchestrator) loadItems(ctx context.Context, documentID, contentType string) ([]content.Item, error) {
	build := func(ctx context.Context) (any, error) {
		raw, err := o.src.Fetch(ctx, documentID)
		if err != nil {
			return nil, &SourceUnavailableError{Err: err}
		}
		result, err := o.validator.Validate(raw)
		if err != nil {
			return nil, &InvalidRequestError{Reason: err.Error()}
		}
		items := selectItems(result.Items, contentType)
		if len(items) == 0 {
			return nil, &InvalidRequestError{
				Reason: fmt.Sprintf("document %q has no publishable content", documentID),
				Issues: result.Issues,
			}
		}
		return items, nil
	}
	if o.cache == nil {
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]content.Item), nil
	}
	key := "doc:" + documentID + ":" + contentType
	v, err := o.cache.GetOrBuild(ctx, key, 0, []string{"document:" + documentID}, build)
	if err != nil {
		return nil, err
	}
	return v.([]content.Item), nil
}

// finalize records the terminal status: the aggregate of the channel
// results, or cancelled when a cancel signal arrived during the run. The
// terminal status event is emitted after every channel event.
func (o *Orchestrator) finalize(ctx context.Context, state *runState, j job.Job, results map[string]publish.Result, jobErrs []string, started time.Time) {
	terminal := job.Aggregate(results)
	select {
	case <-state.stopNew:
		terminal = job.StatusCancelled
	default:
	}
	completed := o.now().UTC()
	final, err := o.store.Transition(ctx, j.JobID, job.StatusInProgress, terminal, job.Patch{
		CompletedAt: &completed,
		Results:     results,
		Errors:      jobErrs,
	})
	if err != nil {
		// A concurrent cancel won the transition; report the stored state.
		if final, err = o.store.Get(ctx, j.JobID); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "finalize job failed"})
			return
		}
	}
	o.count("jobs_finished", "status", string(final.Status))
	o.timer("job_duration", completed.Sub(started))
	log.Info(ctx, log.KV{K: "msg", V: "job finished"}, log.KV{K: "status", V: string(final.Status)},
		log.KV{K: "channels", V: len(results)})
	o.emit(ctx, events.JobEvent{
		JobID:         final.JobID,
		CorrelationID: final.CorrelationID,
		Phase:         events.PhaseStatus,
		Status:        string(final.Status),
	})
}

// track registers the cancel signal for a running job.
func (o *Orchestrator) track(jobID string) *runState {
	state := &runState{stopNew: make(chan struct{})}
	o.mu.Lock()
	o.running[jobID] = state
	o.mu.Unlock()
	return state
}

func (o *Orchestrator) untrack(jobID string) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(ctx context.Context, event events.JobEvent) {
	event.Timestamp = o.now().UTC()
	o.bus.Publish(ctx, event)
}

func (o *Orchestrator) count(name string, tags ...string) {
	if o.metrics != nil {
		o.metrics.IncCounter(name, 1, tags...)
	}
}

func (o *Orchestrator) timer(name string, d time.Duration, tags ...string) {
	if o.metrics != nil {
		o.metrics.RecordTimer(name, d, tags...)
	}
}

// selectItems filters to published items of the requested kind and orders
// them highest priority first, stable within equal priorities.
func selectItems(items []content.Item, contentType string) []content.Item {
	selected := make([]content.Item, 0, len(items))
	for _, item := range items {
		if !item.Published {
			continue
		}
		if contentType != "" && string(item.Kind) != contentType {
			continue
		}
		selected = append(selected, item)
	}
	sort.SliceStable(selected, func(i, k int) bool { return selected[i].Priority < selected[k].Priority })
	return selected
}

func skippedResult(channel, contentID, reason string) publish.Result {
	return publish.Result{
		Channel:   channel,
		Status:    publish.StatusSkipped,
		ContentID: contentID,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	}
}

func (o *Orchestrator) failedResult(channel, contentID string, cause *publish.Error, attempts int) publish.Result {
	msg := cause.Kind
	if cause.Kind == publish.KindValidation || cause.Kind == publish.KindInternal {
		msg = cause.Error()
	}
	return publish.Result{
		Channel:   channel,
		Status:    publish.StatusFailed,
		ContentID: contentID,
		Error:     msg,
		Timestamp: o.now().UTC(),
		Attempts:  attempts,
		Cause:     cause,
	}
}
