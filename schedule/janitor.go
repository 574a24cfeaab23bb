package schedule

import (
	"context"
	"time"

	"goa.design/clue/log"
)

// SweepFunc removes terminal jobs past retention and returns the removal
// count. Store adapters wrap their own sweep signatures.
type SweepFunc func(ctx context.Context) (int, error)

// Janitor periodically sweeps terminal jobs past the retention window.
type Janitor struct {
	interval time.Duration
	sweep    SweepFunc
}

// NewJanitor constructs a janitor. A non-positive interval defaults to one
// hour.
func NewJanitor(interval time.Duration, sweep SweepFunc) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{interval: interval, sweep: sweep}
}

// Start sweeps on the configured cadence until ctx is done. The first sweep
// runs immediately.
func (j *Janitor) Start(ctx context.Context) {
	j.runOnce(ctx)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *Janitor) runOnce(ctx context.Context) {
	n, err := j.sweep(ctx)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "retention sweep failed"})
		return
	}
	if n > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "retention sweep"}, log.KV{K: "removed", V: n})
	}
}
