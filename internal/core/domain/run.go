package domain

import "time"

// RunStatus is the remediation state of an observed pipeline run.
type RunStatus string

const (
	RunStatusUnknown              RunStatus = "unknown"
	RunStatusRetrying             RunStatus = "retrying"
	RunStatusSucceeded            RunStatus = "succeeded"
	RunStatusFailedNoRetry        RunStatus = "failed_no_retry"
	RunStatusFailedRerunError     RunStatus = "failed_rerun_error"
	RunStatusFailedRerunException RunStatus = "failed_rerun_exception"
	RunStatusSuperseded           RunStatus = "superseded"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusUnknown, RunStatusRetrying, RunStatusSucceeded, RunStatusFailedNoRetry,
		RunStatusFailedRerunError, RunStatusFailedRerunException, RunStatusSuperseded:
		return true
	}
	return false
}

// Settled reports whether a failed run in this status must not be handed to
// remediation again. Retrying runs are in flight; the others are final.
func (s RunStatus) Settled() bool {
	switch s {
	case RunStatusRetrying, RunStatusSucceeded, RunStatusFailedNoRetry, RunStatusSuperseded:
		return true
	}
	return false
}

// Final reports whether a record in this status can never change again and
// may be pruned once it is old enough.
func (s RunStatus) Final() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailedNoRetry, RunStatusSuperseded:
		return true
	}
	return false
}

// FinalStatuses lists every status for which Final is true.
var FinalStatuses = []RunStatus{RunStatusSucceeded, RunStatusFailedNoRetry, RunStatusSuperseded}

// RunRecord is the persisted remediation state of one pipeline run.
type RunRecord struct {
	RunID       string
	PipelineID  string
	RetryCount  int // remaining automated attempts
	Status      RunStatus
	LastUpdated time.Time
	ParentRunID string // run this one was triggered to remediate, if any
}

// FinalRerun reports whether the record is a rerun that was triggered with
// no budget left and has not been handled yet. Its failure ends the chain.
func (r *RunRecord) FinalRerun() bool {
	return r.ParentRunID != "" && r.Status == RunStatusUnknown && r.RetryCount < 1
}

// Passage is one piece of documentation returned by the retrieval service.
type Passage struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// FailureContext describes one failed run for the duration of a single
// remediation attempt. It is never persisted.
type FailureContext struct {
	PipelineName   string
	RunID          string
	Status         string
	ErrorMessage   string
	FailedActivity string // empty when the platform lookup failed
	ObservedAt     time.Time

	// Filled in while deciding.
	KnowledgeText string
	Passages      []Passage
}

// ActivityOrUnknown returns the failed activity name for display.
func (fc *FailureContext) ActivityOrUnknown() string {
	if fc.FailedActivity == "" {
		return "Unknown"
	}
	return fc.FailedActivity
}
