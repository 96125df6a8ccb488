package lifecycle

import "github.com/vietddude/remediator/internal/core/domain"

// StepKind names the budget transition chosen for a decision.
type StepKind int

const (
	// StepConfirm is the first automated attempt; it needs operator approval.
	StepConfirm StepKind = iota
	// StepAutoApprove is a later attempt within budget.
	StepAutoApprove
	// StepExhausted means a rerun was asked for with no budget left.
	StepExhausted
	// StepEscalate means the decision was not to rerun.
	StepEscalate
	// StepReset restores the budget after a success.
	StepReset
)

func (k StepKind) String() string {
	switch k {
	case StepConfirm:
		return "confirm"
	case StepAutoApprove:
		return "auto_approve"
	case StepExhausted:
		return "exhausted"
	case StepEscalate:
		return "escalate"
	case StepReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Step is the outcome of planning one decision against a run's budget.
type Step struct {
	Kind       StepKind
	RetryCount int
	Status     domain.RunStatus
	Reason     string
}

// Rerun reports whether the step leads to a platform rerun.
func (s Step) Rerun() bool {
	return s.Kind == StepConfirm || s.Kind == StepAutoApprove
}

// Escalates reports whether the step ends automated handling and must be
// reported to an operator.
func (s Step) Escalates() bool {
	return s.Kind == StepExhausted || s.Kind == StepEscalate
}

// Plan maps a decision and the run's remaining budget to the next step.
// The returned RetryCount is never greater than retryCount, except for
// StepReset which restores threshold.
func Plan(action domain.Action, retryCount, threshold int) Step {
	switch {
	case action == domain.ActionSuccess:
		return Step{
			Kind:       StepReset,
			RetryCount: threshold,
			Status:     domain.RunStatusSucceeded,
		}
	case action == domain.ActionNoRerun:
		return Step{
			Kind:       StepEscalate,
			RetryCount: 0,
			Status:     domain.RunStatusFailedNoRetry,
		}
	case !action.IsRerun():
		return Step{
			Kind:       StepEscalate,
			RetryCount: 0,
			Status:     domain.RunStatusFailedNoRetry,
			Reason:     "unrecognized action " + string(action),
		}
	case retryCount < 1:
		return Exhausted()
	case retryCount >= threshold:
		return Step{
			Kind:       StepConfirm,
			RetryCount: retryCount - 1,
			Status:     domain.RunStatusRetrying,
		}
	default:
		return Step{
			Kind:       StepAutoApprove,
			RetryCount: retryCount - 1,
			Status:     domain.RunStatusRetrying,
		}
	}
}

// Exhausted is the step for a failed run with no budget left.
func Exhausted() Step {
	return Step{
		Kind:       StepExhausted,
		RetryCount: 0,
		Status:     domain.RunStatusFailedNoRetry,
		Reason:     "Final retry failed; retries exhausted.",
	}
}

// Declined is the step applied when an operator refuses the first attempt.
func Declined() Step {
	return Step{
		Kind:       StepEscalate,
		RetryCount: 0,
		Status:     domain.RunStatusFailedNoRetry,
		Reason:     "User denied retry confirmation. Manual intervention required.",
	}
}
