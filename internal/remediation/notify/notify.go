// Package notify composes and sends operator notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/mail"
	"github.com/vietddude/remediator/internal/metrics"
	"github.com/vietddude/remediator/internal/remediation/approval"
)

// NoRerunOutcome is reported when no rerun was attempted.
const NoRerunOutcome = "No rerun attempted."

const (
	kindAlert    = "alert"
	kindApproval = "approval"
)

// Alert asks operators to step in on a run.
type Alert struct {
	Failure     *domain.FailureContext
	Decision    domain.Decision
	RetriesLeft int
	Reason      string
	Outcome     string // what happened to the rerun, if any
	Solution    string // suggested fix from documentation
}

// Dispatcher sends notifications on a best-effort basis: failures are logged
// and counted, never returned.
type Dispatcher struct {
	transport  mail.Transport
	recipients []string
	log        *slog.Logger
}

func NewDispatcher(transport mail.Transport, recipients []string) *Dispatcher {
	clean := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			clean = append(clean, r)
		}
	}
	return &Dispatcher{
		transport:  transport,
		recipients: clean,
		log:        slog.Default().With("component", "notify"),
	}
}

// Escalate sends a manual-intervention alert.
func (d *Dispatcher) Escalate(ctx context.Context, a Alert) {
	fc := a.Failure
	subject := fmt.Sprintf("[ALERT] Pipeline '%s' run %s requires manual intervention", fc.PipelineName, fc.RunID)
	d.send(ctx, kindAlert, fc.RunID, mail.Message{Subject: subject, Body: alertBody(a)})
}

// RequestApproval sends a rerun confirmation request.
func (d *Dispatcher) RequestApproval(ctx context.Context, req approval.Request) {
	subject := fmt.Sprintf("[ACTION REQUIRED] Retry confirmation for pipeline '%s' run %s", req.PipelineName, req.RunID)
	d.send(ctx, kindApproval, req.RunID, mail.Message{Subject: subject, Body: approvalBody(req)})
}

func (d *Dispatcher) send(ctx context.Context, kind, runID string, msg mail.Message) {
	if len(d.recipients) == 0 || d.transport == nil {
		d.log.Warn("No notification recipients configured, skipping", "kind", kind, "run_id", runID)
		metrics.NotificationsTotal.WithLabelValues(kind, "skipped").Inc()
		return
	}
	msg.To = d.recipients
	if err := d.transport.Send(ctx, msg); err != nil {
		d.log.Error("Failed to send notification", "kind", kind, "run_id", runID, "error", err)
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return
	}
	d.log.Info("Notification sent", "kind", kind, "run_id", runID, "recipients", len(d.recipients))
	metrics.NotificationsTotal.WithLabelValues(kind, "sent").Inc()
}

func alertBody(a Alert) string {
	fc := a.Failure
	outcome := a.Outcome
	if outcome == "" {
		outcome = NoRerunOutcome
	}
	solution := a.Solution
	if solution == "" {
		solution = "No documented solution found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline Name: %s\n", fc.PipelineName)
	fmt.Fprintf(&b, "Run ID: %s\n", fc.RunID)
	fmt.Fprintf(&b, "Failed Activity: %s\n", fc.ActivityOrUnknown())
	fmt.Fprintf(&b, "Error Message: %s\n", fc.ErrorMessage)
	fmt.Fprintf(&b, "Retry Attempts Left: %d\n", a.RetriesLeft)
	fmt.Fprintf(&b, "Reason: %s\n\n", a.Reason)
	if a.Decision.Action != "" {
		fmt.Fprintf(&b, "AI Decision: %s\n", a.Decision.Action)
		fmt.Fprintf(&b, "Decision Reason: %s\n\n", a.Decision.Reason)
	}
	fmt.Fprintf(&b, "Suggested Solution (from Knowledge Base):\n%s\n\n", solution)
	fmt.Fprintf(&b, "Rerun Outcome:\n%s\n", outcome)
	return b.String()
}

func approvalBody(req approval.Request) string {
	activity := req.FailedActivity
	if activity == "" {
		activity = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline Name: %s\n", req.PipelineName)
	fmt.Fprintf(&b, "Run ID: %s\n", req.RunID)
	fmt.Fprintf(&b, "Failed Activity: %s\n", activity)
	fmt.Fprintf(&b, "Error Message: %s\n", req.ErrorMessage)
	fmt.Fprintf(&b, "Proposed Action Reason: %s\n\n", req.Reason)
	fmt.Fprintf(&b, "Request ID: %s\n", req.ID)
	if !req.Deadline.IsZero() {
		fmt.Fprintf(&b, "Deadline: %s\n", req.Deadline.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if req.Instructions != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Instructions)
	} else {
		b.WriteString("\nNo reply channel is configured; the default policy will be applied.\n")
	}
	return b.String()
}
