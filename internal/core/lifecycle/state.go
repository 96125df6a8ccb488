// Package lifecycle holds the retry-budget state machine for pipeline runs.
package lifecycle

import (
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
)

// State is an alias for domain.RunStatus for internal use.
type State = domain.RunStatus

// ValidTransitions defines allowed status changes.
// Key is the current status, value is the list of valid next statuses.
var ValidTransitions = map[State][]State{
	domain.RunStatusUnknown: {
		domain.RunStatusRetrying,
		domain.RunStatusFailedNoRetry,
		domain.RunStatusSucceeded,
	},
	domain.RunStatusRetrying: {
		domain.RunStatusFailedRerunError,
		domain.RunStatusFailedRerunException,
		domain.RunStatusSucceeded,
		domain.RunStatusSuperseded,
	},
	domain.RunStatusFailedRerunError: {
		domain.RunStatusRetrying,
		domain.RunStatusFailedNoRetry,
		domain.RunStatusSucceeded,
	},
	domain.RunStatusFailedRerunException: {
		domain.RunStatusRetrying,
		domain.RunStatusFailedNoRetry,
		domain.RunStatusSucceeded,
	},
	// A run id the platform later reports as succeeded is always accepted.
	domain.RunStatusFailedNoRetry: {domain.RunStatusSucceeded},
	domain.RunStatusSuperseded:    {domain.RunStatusSucceeded},
	domain.RunStatusSucceeded:     {domain.RunStatusSucceeded},
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a status change with metadata.
type Transition struct {
	RunID     string
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(runID string, from, to State, reason string) Transition {
	return Transition{
		RunID:     runID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a status.
func StateDescription(s State) string {
	switch s {
	case domain.RunStatusUnknown:
		return "Unknown - observed, no remediation recorded yet"
	case domain.RunStatusRetrying:
		return "Retrying - rerun triggered, waiting for outcome"
	case domain.RunStatusSucceeded:
		return "Succeeded - budget restored"
	case domain.RunStatusFailedNoRetry:
		return "Failed - escalated, no automated retry"
	case domain.RunStatusFailedRerunError:
		return "Rerun rejected by the platform"
	case domain.RunStatusFailedRerunException:
		return "Rerun request failed in transport"
	case domain.RunStatusSuperseded:
		return "Superseded - a rerun took over"
	default:
		return "Unknown state"
	}
}
