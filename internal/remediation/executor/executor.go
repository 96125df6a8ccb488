// Package executor carries out a remediation decision against the platform.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/platform"
	"github.com/vietddude/remediator/internal/infra/storage"
	"github.com/vietddude/remediator/internal/metrics"
)

// Trigger starts a pipeline rerun.
type Trigger interface {
	CreateRun(ctx context.Context, req platform.RerunRequest) (string, error)
}

// Result describes what happened to one decision.
type Result struct {
	Status   domain.RunStatus
	NewRunID string
	Outcome  string // human-readable, for notifications
	Err      error  // trigger failure, if any
}

// Failed reports whether a rerun was attempted and did not start.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Executor issues reruns and records their status.
type Executor struct {
	trigger Trigger
	store   storage.StateStore
	log     *slog.Logger
}

func New(trigger Trigger, store storage.StateStore) *Executor {
	return &Executor{
		trigger: trigger,
		store:   store,
		log:     slog.Default().With("component", "executor"),
	}
}

// Execute performs the action in d for fc. remaining is the budget the
// triggered rerun inherits. Trigger failures are reported in the Result;
// the returned error is always a storage failure.
func (e *Executor) Execute(ctx context.Context, fc *domain.FailureContext, d domain.Decision, remaining int) (Result, error) {
	log := e.log.With("run_id", fc.RunID, "pipeline", fc.PipelineName, "action", d.Action)

	if !d.Action.IsRerun() {
		if err := e.store.UpdateStatus(ctx, fc.RunID, domain.RunStatusFailedNoRetry); err != nil {
			return Result{}, err
		}
		log.Info("No rerun performed")
		return Result{Status: domain.RunStatusFailedNoRetry}, nil
	}

	req := platform.RerunRequest{
		PipelineName:   fc.PipelineName,
		ReferenceRunID: fc.RunID,
	}
	mode := "full"
	if d.Action == domain.ActionPartialRerun {
		mode = "partial"
		req.Recovery = true
		req.StartActivity = fc.FailedActivity
	}

	newRunID, err := e.trigger.CreateRun(ctx, req)
	if err != nil {
		res := Result{Err: err}
		var te *platform.TriggerError
		if errors.As(err, &te) && te.Rejected() {
			res.Status = domain.RunStatusFailedRerunError
			res.Outcome = fmt.Sprintf("Rerun request was rejected: %v", err)
			metrics.RerunsTotal.WithLabelValues(mode, "rejected").Inc()
		} else {
			res.Status = domain.RunStatusFailedRerunException
			res.Outcome = fmt.Sprintf("Rerun request failed: %v", err)
			metrics.RerunsTotal.WithLabelValues(mode, "transport").Inc()
		}
		log.Error("Rerun trigger failed", "status", res.Status, "error", err)
		if serr := e.store.UpdateStatus(ctx, fc.RunID, res.Status); serr != nil {
			return res, serr
		}
		return res, nil
	}

	metrics.RerunsTotal.WithLabelValues(mode, "accepted").Inc()
	log.Info("Rerun triggered", "new_run_id", newRunID, "recovery", req.Recovery, "start_activity", req.StartActivity)

	if err := e.store.UpdateStatus(ctx, fc.RunID, domain.RunStatusRetrying); err != nil {
		return Result{}, err
	}
	shown := newRunID
	if newRunID == "" {
		// Accepted, but the rerun cannot be tracked.
		shown = "unknown"
	} else if err := e.store.SeedRun(ctx, newRunID, fc.PipelineName, fc.RunID, remaining); err != nil {
		return Result{}, err
	}

	return Result{
		Status:   domain.RunStatusRetrying,
		NewRunID: newRunID,
		Outcome:  fmt.Sprintf("Rerun triggered successfully. New run ID: %s", shown),
	}, nil
}
