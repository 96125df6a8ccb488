package lifecycle

import (
	"testing"

	"github.com/vietddude/remediator/internal/core/domain"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name       string
		action     domain.Action
		retryCount int
		threshold  int
		wantKind   StepKind
		wantCount  int
		wantStatus domain.RunStatus
	}{
		{"first attempt needs confirmation", domain.ActionPartialRerun, 2, 2, StepConfirm, 1, domain.RunStatusRetrying},
		{"later attempt auto approves", domain.ActionFullRerun, 1, 2, StepAutoApprove, 0, domain.RunStatusRetrying},
		{"no budget left", domain.ActionFullRerun, 0, 2, StepExhausted, 0, domain.RunStatusFailedNoRetry},
		{"no rerun escalates", domain.ActionNoRerun, 2, 2, StepEscalate, 0, domain.RunStatusFailedNoRetry},
		{"success resets", domain.ActionSuccess, 0, 3, StepReset, 3, domain.RunStatusSucceeded},
		{"zero threshold exhausts", domain.ActionPartialRerun, 0, 0, StepExhausted, 0, domain.RunStatusFailedNoRetry},
		{"unknown action escalates", domain.Action("reboot"), 2, 2, StepEscalate, 0, domain.RunStatusFailedNoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := Plan(tt.action, tt.retryCount, tt.threshold)
			if step.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", step.Kind, tt.wantKind)
			}
			if step.RetryCount != tt.wantCount {
				t.Errorf("retry count = %d, want %d", step.RetryCount, tt.wantCount)
			}
			if step.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", step.Status, tt.wantStatus)
			}
		})
	}
}

func TestPlan_BudgetNeverIncreases(t *testing.T) {
	actions := []domain.Action{domain.ActionFullRerun, domain.ActionPartialRerun, domain.ActionNoRerun}
	for threshold := 0; threshold <= 4; threshold++ {
		for count := 0; count <= threshold; count++ {
			for _, a := range actions {
				step := Plan(a, count, threshold)
				if step.RetryCount > count {
					t.Fatalf("Plan(%s, %d, %d) raised budget to %d", a, count, threshold, step.RetryCount)
				}
				if step.RetryCount < 0 {
					t.Fatalf("Plan(%s, %d, %d) produced negative budget", a, count, threshold)
				}
			}
		}
	}
}

func TestDeclined(t *testing.T) {
	step := Declined()
	if step.RetryCount != 0 || step.Status != domain.RunStatusFailedNoRetry {
		t.Errorf("unexpected declined step: %+v", step)
	}
	if !step.Escalates() {
		t.Error("declined step should escalate")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{domain.RunStatusUnknown, domain.RunStatusRetrying, true},
		{domain.RunStatusRetrying, domain.RunStatusFailedRerunError, true},
		{domain.RunStatusRetrying, domain.RunStatusSuperseded, true},
		{domain.RunStatusFailedNoRetry, domain.RunStatusRetrying, false},
		{domain.RunStatusFailedNoRetry, domain.RunStatusSucceeded, true},
		{domain.RunStatusSucceeded, domain.RunStatusRetrying, false},
		{State("bogus"), domain.RunStatusRetrying, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_IsValid(t *testing.T) {
	tr := NewTransition("run-1", domain.RunStatusUnknown, domain.RunStatusRetrying, "auto")
	if !tr.IsValid() {
		t.Error("expected transition to be valid")
	}
	if tr.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}
