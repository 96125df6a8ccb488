package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/remediator/internal/metrics"
)

// RunPruner is the storage surface the pruner needs.
type RunPruner interface {
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// Pruner deletes settled run records based on retention policy.
type Pruner struct {
	store     RunPruner
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. A zero retention disables it.
func NewPruner(store RunPruner, retention time.Duration) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		now:       time.Now,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	// 10% of the retention period, between 1 minute and 1 hour
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes every settled record older than the retention period.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneRuns(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune run records", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		metrics.RunsPrunedTotal.Add(float64(n))
		p.log.Info("Pruned run records", "count", n, "cutoff", cutoff)
	}
	return n
}
