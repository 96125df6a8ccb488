package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/mail"
	"github.com/vietddude/remediator/internal/remediation/approval"
)

type captureTransport struct {
	sent []mail.Message
	err  error
}

func (c *captureTransport) Send(ctx context.Context, msg mail.Message) error {
	c.sent = append(c.sent, msg)
	return c.err
}

func failure() *domain.FailureContext {
	return &domain.FailureContext{
		PipelineName: "copy_sales",
		RunID:        "R1",
		ErrorMessage: "Operation timed out",
	}
}

func TestEscalate(t *testing.T) {
	tr := &captureTransport{}
	d := NewDispatcher(tr, []string{" ops@example.com ", ""})

	d.Escalate(context.Background(), Alert{
		Failure:     failure(),
		Decision:    domain.Decision{Action: domain.ActionNoRerun, Reason: "bad credentials"},
		RetriesLeft: 0,
		Reason:      "No rerun (reason: bad credentials)",
		Solution:    "Rotate the key.",
	})

	if len(tr.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(tr.sent))
	}
	msg := tr.sent[0]
	if msg.Subject != "[ALERT] Pipeline 'copy_sales' run R1 requires manual intervention" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if len(msg.To) != 1 || msg.To[0] != "ops@example.com" {
		t.Errorf("recipients = %v", msg.To)
	}
	for _, want := range []string{
		"Failed Activity: Unknown",
		"Retry Attempts Left: 0",
		"Reason: No rerun (reason: bad credentials)",
		"AI Decision: no_rerun",
		"Rotate the key.",
		NoRerunOutcome,
	} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestRequestApproval(t *testing.T) {
	tr := &captureTransport{}
	d := NewDispatcher(tr, []string{"ops@example.com"})

	d.RequestApproval(context.Background(), approval.Request{
		ID:           "req-1",
		RunID:        "R1",
		PipelineName: "copy_sales",
		Reason:       "timeout",
		Deadline:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Instructions: "Reply by creating /tmp/req-1.approve",
	})

	if len(tr.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(tr.sent))
	}
	msg := tr.sent[0]
	if msg.Subject != "[ACTION REQUIRED] Retry confirmation for pipeline 'copy_sales' run R1" {
		t.Errorf("subject = %q", msg.Subject)
	}
	for _, want := range []string{"Request ID: req-1", "2026-01-02 03:04:05 UTC", "/tmp/req-1.approve"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestNoRecipientsIsNoop(t *testing.T) {
	tr := &captureTransport{}
	NewDispatcher(tr, nil).Escalate(context.Background(), Alert{Failure: failure()})
	if len(tr.sent) != 0 {
		t.Errorf("expected no sends, got %d", len(tr.sent))
	}
}

func TestTransportErrorIsSwallowed(t *testing.T) {
	tr := &captureTransport{err: errors.New("smtp down")}
	d := NewDispatcher(tr, []string{"ops@example.com"})
	// Must not panic or block.
	d.Escalate(context.Background(), Alert{Failure: failure()})
	if len(tr.sent) != 1 {
		t.Errorf("expected one attempt, got %d", len(tr.sent))
	}
}
