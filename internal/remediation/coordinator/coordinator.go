// Package coordinator drives one failed run through decision, budget
// transition, rerun and notification.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/core/keylock"
	"github.com/vietddude/remediator/internal/core/lifecycle"
	"github.com/vietddude/remediator/internal/infra/redis"
	"github.com/vietddude/remediator/internal/infra/storage"
	"github.com/vietddude/remediator/internal/metrics"
	"github.com/vietddude/remediator/internal/remediation/approval"
	"github.com/vietddude/remediator/internal/remediation/executor"
	"github.com/vietddude/remediator/internal/remediation/notify"
)

// Decider produces a decision for a failure. It never fails.
type Decider interface {
	Decide(ctx context.Context, fc *domain.FailureContext) domain.Decision
}

// Solver suggests a fix for an alert. It never fails.
type Solver interface {
	Suggest(ctx context.Context, fc *domain.FailureContext) string
}

// Confirmer runs the operator confirmation gate.
type Confirmer interface {
	Confirm(ctx context.Context, req approval.Request) approval.Outcome
}

// Alerter sends manual-intervention alerts.
type Alerter interface {
	Escalate(ctx context.Context, a notify.Alert)
}

// Runner executes a decision against the platform.
type Runner interface {
	Execute(ctx context.Context, fc *domain.FailureContext, d domain.Decision, remaining int) (executor.Result, error)
}

// RunLocker is a cross-process lock on a run id.
type RunLocker interface {
	AcquireLock(ctx context.Context, runID string) (string, error)
	ReleaseLock(ctx context.Context, runID, token string) error
	RefreshLock(ctx context.Context, runID, token string) error
}

// Deps are the collaborators of a Coordinator. Solver and Locker are optional.
type Deps struct {
	Store    storage.StateStore
	Decider  Decider
	Solver   Solver
	Gate     Confirmer
	Alerter  Alerter
	Executor Runner
	Locker   RunLocker
}

// Config holds coordinator settings.
type Config struct {
	Threshold   int
	LockRefresh time.Duration // how often a held distributed lock is extended
}

// Coordinator serialises remediation per run id.
type Coordinator struct {
	deps  Deps
	cfg   Config
	locks *keylock.Map
	log   *slog.Logger
}

func New(deps Deps, cfg Config) *Coordinator {
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = time.Minute
	}
	return &Coordinator{
		deps:  deps,
		cfg:   cfg,
		locks: keylock.New(),
		log:   slog.Default().With("component", "coordinator"),
	}
}

var errNotRetrying = errors.New("run is not retrying")

// maxLineage bounds the ancestor walk in supersede.
const maxLineage = 64

// RecordSuccess stores a succeeded run with a full budget and marks the
// runs it was triggered from as superseded.
func (c *Coordinator) RecordSuccess(ctx context.Context, runID, pipelineID string) error {
	parent, err := c.recordSuccess(ctx, runID, pipelineID)
	if err != nil || parent == "" {
		return err
	}
	return c.supersede(ctx, parent, runID)
}

// supersede walks up the rerun lineage from parent, moving every retrying
// ancestor to superseded. It stops at the first ancestor that is not
// retrying. Locks are taken one run at a time.
func (c *Coordinator) supersede(ctx context.Context, parent, byRunID string) error {
	seen := map[string]bool{byRunID: true}
	for id := parent; id != "" && !seen[id] && len(seen) <= maxLineage; {
		seen[id] = true
		next, err := c.supersedeOne(ctx, id)
		switch {
		case errors.Is(err, errNotRetrying):
			return nil
		case err != nil:
			return err
		}
		c.log.Info("Run superseded by its rerun", "run_id", id, "rerun_id", byRunID)
		metrics.TransitionsTotal.WithLabelValues("superseded").Inc()
		id = next
	}
	return nil
}

func (c *Coordinator) supersedeOne(ctx context.Context, runID string) (string, error) {
	unlock := c.locks.Lock(runID)
	defer unlock()

	next := ""
	err := c.deps.Store.Apply(ctx, runID, func(rec *domain.RunRecord) error {
		if rec.Status != domain.RunStatusRetrying {
			return errNotRetrying
		}
		rec.Status = domain.RunStatusSuperseded
		next = rec.ParentRunID
		return nil
	})
	return next, err
}

func (c *Coordinator) recordSuccess(ctx context.Context, runID, pipelineID string) (string, error) {
	unlock := c.locks.Lock(runID)
	defer unlock()

	parent := ""
	prev, err := c.deps.Store.GetRun(ctx, runID)
	switch {
	case err == nil:
		parent = prev.ParentRunID
		if prev.Status == domain.RunStatusSucceeded && prev.RetryCount == c.cfg.Threshold {
			return parent, nil
		}
	case !errors.Is(err, storage.ErrRunNotFound):
		return "", err
	}

	step := lifecycle.Plan(domain.ActionSuccess, 0, c.cfg.Threshold)
	if err := c.deps.Store.UpsertRun(ctx, runID, pipelineID, step.Status, step.RetryCount); err != nil {
		return "", err
	}
	metrics.TransitionsTotal.WithLabelValues(step.Kind.String()).Inc()
	c.log.Debug("Recorded successful run", "run_id", runID, "pipeline", pipelineID)
	return parent, nil
}

// Remediate handles one failed run. Trigger and oracle failures end in a
// terminal status and an alert; only storage and lock errors are returned.
func (c *Coordinator) Remediate(ctx context.Context, fc *domain.FailureContext) error {
	unlock := c.locks.Lock(fc.RunID)
	defer unlock()

	log := c.log.With("run_id", fc.RunID, "pipeline", fc.PipelineName)

	if c.deps.Locker != nil {
		token, err := c.deps.Locker.AcquireLock(ctx, fc.RunID)
		if errors.Is(err, redis.ErrLockHeld) {
			log.Info("Run is being remediated elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("acquire run lock: %w", err)
		}
		stop := c.keepLock(ctx, fc.RunID, token)
		defer func() {
			stop()
			if err := c.deps.Locker.ReleaseLock(context.WithoutCancel(ctx), fc.RunID, token); err != nil {
				log.Warn("Failed to release run lock", "error", err)
			}
		}()
	}

	rec, err := c.current(ctx, fc.RunID)
	if err != nil {
		return err
	}
	if rec.Status.Settled() {
		log.Info("Run no longer eligible, skipping", "status", rec.Status)
		return nil
	}

	// The rerun's outcome is in, so the runs it was triggered for are done.
	if rec.ParentRunID != "" {
		if err := c.supersede(ctx, rec.ParentRunID, fc.RunID); err != nil {
			return err
		}
		if rec.FinalRerun() {
			return c.exhaust(ctx, fc, rec)
		}
	}

	d := c.deps.Decider.Decide(ctx, fc)
	log.Info("Decision received", "action", d.Action, "reason", d.Reason, "retry_count", rec.RetryCount)

	step := lifecycle.Plan(d.Action, rec.RetryCount, c.cfg.Threshold)
	if step.Kind == lifecycle.StepConfirm {
		out := c.deps.Gate.Confirm(ctx, approval.Request{
			RunID:          fc.RunID,
			PipelineName:   fc.PipelineName,
			FailedActivity: fc.FailedActivity,
			ErrorMessage:   fc.ErrorMessage,
			Reason:         d.Reason,
		})
		if !out.Approved {
			step = lifecycle.Declined()
		}
	}

	if err := c.apply(ctx, fc, rec, step); err != nil {
		return err
	}

	switch {
	case step.Rerun():
		res, err := c.deps.Executor.Execute(ctx, fc, d, step.RetryCount)
		if err != nil {
			return err
		}
		if res.Failed() {
			c.alert(ctx, fc, d, step.RetryCount, "Rerun could not be started.", res.Outcome)
		}

	case step.Escalates():
		if d.Action == domain.ActionNoRerun {
			if _, err := c.deps.Executor.Execute(ctx, fc, d, 0); err != nil {
				return err
			}
		}
		reason := step.Reason
		if reason == "" {
			reason = fmt.Sprintf("No rerun (reason: %s)", d.Reason)
		}
		c.alert(ctx, fc, d, step.RetryCount, reason, "")
	}
	return nil
}

// exhaust ends a failed rerun that was the last allowed attempt of its chain.
// No decision is asked for; the run is escalated once.
func (c *Coordinator) exhaust(ctx context.Context, fc *domain.FailureContext, rec *domain.RunRecord) error {
	step := lifecycle.Exhausted()
	if err := c.apply(ctx, fc, rec, step); err != nil {
		return err
	}
	c.alert(ctx, fc, domain.Decision{}, 0, step.Reason, "")
	return nil
}

// current returns the stored record, or a fresh one for an unseen run.
func (c *Coordinator) current(ctx context.Context, runID string) (*domain.RunRecord, error) {
	rec, err := c.deps.Store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		return &domain.RunRecord{RunID: runID, RetryCount: c.cfg.Threshold, Status: domain.RunStatusUnknown}, nil
	}
	return rec, err
}

func (c *Coordinator) apply(ctx context.Context, fc *domain.FailureContext, prev *domain.RunRecord, step lifecycle.Step) error {
	t := lifecycle.NewTransition(fc.RunID, prev.Status, step.Status, step.Reason)
	if !t.IsValid() {
		c.log.Warn("Unexpected status transition", "run_id", fc.RunID, "from", t.From, "to", t.To)
	}

	err := c.deps.Store.Apply(ctx, fc.RunID, func(rec *domain.RunRecord) error {
		n := step.RetryCount
		// The budget only moves down outside of a success reset.
		if step.Kind != lifecycle.StepReset && n > rec.RetryCount {
			n = rec.RetryCount
		}
		if rec.PipelineID == "" {
			rec.PipelineID = fc.PipelineName
		}
		rec.RetryCount = n
		rec.Status = step.Status
		return nil
	})
	if err != nil {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(step.Kind.String()).Inc()
	c.log.Info("Budget transition applied",
		"run_id", fc.RunID, "step", step.Kind, "from", t.From, "to", t.To, "retry_count", step.RetryCount)
	return nil
}

func (c *Coordinator) alert(ctx context.Context, fc *domain.FailureContext, d domain.Decision, left int, reason, outcome string) {
	solution := ""
	if c.deps.Solver != nil {
		solution = c.deps.Solver.Suggest(ctx, fc)
	}
	c.deps.Alerter.Escalate(ctx, notify.Alert{
		Failure:     fc,
		Decision:    d,
		RetriesLeft: left,
		Reason:      reason,
		Outcome:     outcome,
		Solution:    solution,
	})
}

// keepLock extends the distributed lock until the returned func is called.
func (c *Coordinator) keepLock(ctx context.Context, runID, token string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.deps.Locker.RefreshLock(ctx, runID, token); err != nil {
					c.log.Warn("Failed to refresh run lock", "run_id", runID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
