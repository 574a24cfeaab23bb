package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
)

type (
	// Request describes one invalidation: explicit keys, a glob pattern,
	// and/or tags. At least one selector must be set.
	Request struct {
		Keys    []string `json:"keys,omitempty"`
		Pattern string   `json:"pattern,omitempty"`
		Tags    []string `json:"tags,omitempty"`
	}

	// Tier is one cache layer the coordinator fans out to.
	Tier interface {
		// Name identifies the tier ("local", "shared", "cdn", "api").
		Name() string
		// Invalidate applies the request and returns how many entries it
		// removed, when the tier can tell.
		Invalidate(ctx context.Context, req Request) (int, error)
	}

	// StatsProvider is implemented by tiers that report statistics.
	StatsProvider interface {
		TierStats(ctx context.Context) (map[string]any, error)
	}

	// TierReport is one tier's outcome within a coordinated invalidation.
	TierReport struct {
		Tier        string `json:"tier"`
		Invalidated int    `json:"invalidated"`
		Error       string `json:"error,omitempty"`
		DurationMS  int64  `json:"duration_ms"`
	}

	// Report aggregates the per-tier outcomes. A tier failure is reported,
	// never fatal: the remaining tiers still run.
	Report struct {
		Tiers  []TierReport `json:"tiers"`
		Errors []string     `json:"errors,omitempty"`
	}

	// Coordinator fans invalidations out across cache tiers with per-tier
	// timeouts under a total deadline.
	Coordinator struct {
		tiers       []Tier
		tierTimeout time.Duration
		totalBudget time.Duration
	}

	// CoordinatorOption configures a Coordinator.
	CoordinatorOption func(*Coordinator)
)

// ErrEmptyRequest is returned when an invalidation carries no selector.
var ErrEmptyRequest = errors.New("invalidation request has no keys, pattern, or tags")

// WithTierTimeout bounds each tier's invalidation call. Default two seconds.
func WithTierTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.tierTimeout = d
		}
	}
}

// WithTotalBudget bounds the whole fan-out. Default five seconds.
func WithTotalBudget(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.totalBudget = d
		}
	}
}

// NewCoordinator constructs a coordinator over the given tiers, applied in
// order.
func NewCoordinator(tiers []Tier, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		tiers:       tiers,
		tierTimeout: 2 * time.Second,
		totalBudget: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invalidate applies the request to every tier in parallel, each bounded by
// the per-tier timeout under the total budget. Tier failures are collected
// in the report; only an empty request is an error.
func (c *Coordinator) Invalidate(ctx context.Context, req Request) (Report, error) {
	if len(req.Keys) == 0 && req.Pattern == "" && len(req.Tags) == 0 {
		return Report{}, ErrEmptyRequest
	}
	ctx, cancel := context.WithTimeout(ctx, c.totalBudget)
	defer cancel()

	report := Report{Tiers: make([]TierReport, len(c.tiers))}
	var g errgroup.Group
	for i, tier := range c.tiers {
		g.Go(func() error {
			report.Tiers[i] = c.invalidateTier(ctx, tier, req)
			return nil
		})
	}
	_ = g.Wait() // tier failures land in the report, never here
	for _, tr := range report.Tiers {
		if tr.Error != "" {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", tr.Tier, tr.Error))
		}
	}
	return report, nil
}

func (c *Coordinator) invalidateTier(ctx context.Context, tier Tier, req Request) TierReport {
	tctx, cancel := context.WithTimeout(ctx, c.tierTimeout)
	defer cancel()
	start := time.Now()
	n, err := tier.Invalidate(tctx, req)
	tr := TierReport{
		Tier:        tier.Name(),
		Invalidated: n,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		tr.Error = err.Error()
		log.Warn(ctx, log.KV{K: "msg", V: "cache tier invalidation failed"},
			log.KV{K: "tier", V: tier.Name()}, log.KV{K: "err", V: err.Error()})
	}
	return tr
}

// Stats collects per-tier statistics from tiers that provide them.
func (c *Coordinator) Stats(ctx context.Context) map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.tiers))
	for _, tier := range c.tiers {
		sp, ok := tier.(StatsProvider)
		if !ok {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, c.tierTimeout)
		stats, err := sp.TierStats(tctx)
		cancel()
		if err != nil {
			out[tier.Name()] = map[string]any{"error": err.Error()}
			continue
		}
		out[tier.Name()] = stats
	}
	return out
}

// LocalTier exposes a ContentCache as the "local" coordinator tier.
type LocalTier struct {
	cache *ContentCache
}

// NewLocalTier wraps the in-process cache.
func NewLocalTier(cache *ContentCache) *LocalTier {
	return &LocalTier{cache: cache}
}

// Name implements Tier.
func (t *LocalTier) Name() string { return "local" }

// Invalidate implements Tier.
func (t *LocalTier) Invalidate(_ context.Context, req Request) (int, error) {
	var n int
	if len(req.Keys) > 0 {
		n += t.cache.InvalidateKeys(req.Keys...)
	}
	if req.Pattern != "" {
		n += t.cache.InvalidatePattern(req.Pattern)
	}
	if len(req.Tags) > 0 {
		n += t.cache.InvalidateTags(req.Tags...)
	}
	return n, nil
}

// TierStats implements StatsProvider.
func (t *LocalTier) TierStats(context.Context) (map[string]any, error) {
	s := t.cache.Stats()
	return map[string]any{
		"entries":            s.Entries,
		"hits":               s.Hits,
		"misses":             s.Misses,
		"hit_rate":           s.HitRate,
		"evictions":          s.Evictions,
		"memory_bytes":       s.MemoryBytes,
		"oldest_age_seconds": s.OldestAgeSec,
	}, nil
}
