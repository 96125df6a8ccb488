// Package poller finds failed pipeline runs that are eligible for remediation.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/platform"
	"github.com/vietddude/remediator/internal/infra/storage"
	"github.com/vietddude/remediator/internal/metrics"
)

const defaultLookback = 10 * time.Hour

// Source lists pipeline runs and their failed activities.
type Source interface {
	QueryPipelineRuns(ctx context.Context, from, to time.Time) ([]platform.PipelineRun, error)
	FailedActivity(ctx context.Context, runID string, from, to time.Time) (string, error)
}

// SuccessRecorder stores a succeeded run.
type SuccessRecorder interface {
	RecordSuccess(ctx context.Context, runID, pipelineID string) error
}

// Config holds poller settings.
type Config struct {
	Lookback  time.Duration
	Threshold int
}

// Poller queries the platform once per cycle.
type Poller struct {
	source  Source
	store   storage.StateStore
	success SuccessRecorder
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

func New(source Source, store storage.StateStore, success SuccessRecorder, cfg Config) *Poller {
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	return &Poller{
		source:  source,
		store:   store,
		success: success,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     slog.Default().With("component", "poller"),
	}
}

// Poll queries runs updated within the lookback window, records successes
// and returns the eligible failures in platform order. A query failure is
// returned as a *platform.QueryError before anything is processed.
func (p *Poller) Poll(ctx context.Context) ([]*domain.FailureContext, error) {
	to := p.now()
	from := to.Add(-p.cfg.Lookback)

	if last, ok, err := p.store.GetLastQueryTime(ctx); err != nil {
		return nil, err
	} else if ok {
		p.log.Debug("Previous query", "last_query_time", last.Format(time.RFC3339), "gap", to.Sub(last).Round(time.Second))
	}

	runs, err := p.source.QueryPipelineRuns(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetLastQueryTime(ctx, to); err != nil {
		return nil, err
	}
	metrics.Watermark.Set(float64(to.Unix()))
	p.log.Info("Queried pipeline runs", "count", len(runs), "from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339))

	var failures []*domain.FailureContext
	for _, run := range runs {
		if strings.TrimSpace(run.RunID) == "" {
			p.log.Debug("Discarding run without id", "pipeline", run.PipelineName, "status", run.Status)
			continue
		}
		metrics.RunsObserved.WithLabelValues(run.Status).Inc()

		switch run.Status {
		case platform.StatusSucceeded:
			if err := p.success.RecordSuccess(ctx, run.RunID, run.PipelineName); err != nil {
				return nil, err
			}

		case platform.StatusFailed:
			fc, err := p.eligible(ctx, run, from, to)
			if err != nil {
				return nil, err
			}
			if fc != nil {
				failures = append(failures, fc)
			}
		}
	}

	p.log.Info("Poll complete", "runs", len(runs), "eligible_failures", len(failures))
	return failures, nil
}

func (p *Poller) eligible(ctx context.Context, run platform.PipelineRun, from, to time.Time) (*domain.FailureContext, error) {
	log := p.log.With("run_id", run.RunID, "pipeline", run.PipelineName)

	status, found, err := p.store.GetStatus(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	if found && status.Settled() {
		log.Debug("Skipping failed run", "status", status)
		metrics.FailuresSkipped.WithLabelValues(string(status)).Inc()
		return nil, nil
	}

	left, err := p.store.GetRetryCount(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	if left < 1 {
		final, err := p.finalRerun(ctx, run.RunID, found)
		if err != nil {
			return nil, err
		}
		if !final {
			log.Debug("Skipping failed run with no retries left")
			metrics.FailuresSkipped.WithLabelValues("no_budget").Inc()
			return nil, nil
		}
		log.Info("Last allowed rerun failed")
	}

	activity, err := p.source.FailedActivity(ctx, run.RunID, from, to)
	if err != nil {
		log.Warn("Failed to look up failed activity", "error", err)
		activity = ""
	}

	log.Info("Failed run eligible for remediation", "retry_count", left, "failed_activity", activity)
	return &domain.FailureContext{
		PipelineName:   run.PipelineName,
		RunID:          run.RunID,
		Status:         run.Status,
		ErrorMessage:   run.Message,
		FailedActivity: activity,
		ObservedAt:     to,
	}, nil
}

// finalRerun reports whether a run without budget is the last rerun of a
// remediation chain, which is still handed over once so it can be escalated.
func (p *Poller) finalRerun(ctx context.Context, runID string, found bool) (bool, error) {
	if !found {
		return false, nil
	}
	rec, err := p.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.FinalRerun(), nil
}
