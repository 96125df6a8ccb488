package domain

// Action is the remediation chosen for a failed run.
type Action string

const (
	ActionFullRerun    Action = "full_rerun"
	ActionPartialRerun Action = "partial_rerun"
	ActionNoRerun      Action = "no_rerun"

	// ActionSuccess is never produced by the oracle. It drives the budget
	// reset when a run is observed as succeeded.
	ActionSuccess Action = "success"
)

// IsRerun reports whether the action asks the platform for a new run.
func (a Action) IsRerun() bool {
	return a == ActionFullRerun || a == ActionPartialRerun
}

// Decision is a validated remediation decision.
type Decision struct {
	Action Action
	Reason string
}

// ReasonUnavailable is the reason attached to the fallback decision.
const ReasonUnavailable = "decision unavailable"

// FallbackDecision is used when no valid decision could be obtained.
func FallbackDecision() Decision {
	return Decision{Action: ActionNoRerun, Reason: ReasonUnavailable}
}
