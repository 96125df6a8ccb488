// Package approval implements the operator confirmation gate that guards the
// first automated rerun of a run.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrNoChannel is returned by channels that cannot collect replies.
var ErrNoChannel = errors.New("no approval channel")

// Policy is applied when no reply arrives before the deadline.
type Policy string

const (
	PolicyApprove Policy = "approve"
	PolicyDeny    Policy = "deny"
)

// ParsePolicy validates a configured default.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyApprove, PolicyDeny:
		return Policy(s), nil
	case "":
		return PolicyApprove, nil
	}
	return "", fmt.Errorf("unknown approval default %q", s)
}

// Request asks an operator to confirm a rerun.
type Request struct {
	ID             string
	RunID          string
	PipelineName   string
	FailedActivity string
	ErrorMessage   string
	Reason         string
	Deadline       time.Time
	Instructions   string // how to reply, filled in by the channel
}

// Outcome is the gate's answer.
type Outcome struct {
	Approved  bool
	Defaulted bool // no reply before the deadline
}

// Notifier delivers approval requests to operators.
type Notifier interface {
	RequestApproval(ctx context.Context, req Request)
}

// Channel waits for an operator reply.
type Channel interface {
	Instructions(req Request) string
	Await(ctx context.Context, req Request) (approved bool, err error)
}

// NoChannel has no way to receive replies, so the default always applies.
type NoChannel struct{}

func (NoChannel) Instructions(Request) string { return "" }

func (NoChannel) Await(context.Context, Request) (bool, error) { return false, ErrNoChannel }

// Gate sends a request, waits for a reply until the deadline, and falls back
// to the default policy.
type Gate struct {
	notifier Notifier
	channel  Channel
	timeout  time.Duration
	def      Policy
	log      *slog.Logger
}

// NewGate creates a gate. A nil channel behaves like NoChannel.
func NewGate(notifier Notifier, channel Channel, timeout time.Duration, def Policy) *Gate {
	if channel == nil {
		channel = NoChannel{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if def == "" {
		def = PolicyApprove
	}
	return &Gate{
		notifier: notifier,
		channel:  channel,
		timeout:  timeout,
		def:      def,
		log:      slog.Default().With("component", "approval"),
	}
}

// Confirm blocks until the operator answers, the deadline passes, or ctx ends.
func (g *Gate) Confirm(ctx context.Context, req Request) Outcome {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Deadline = time.Now().Add(g.timeout)
	req.Instructions = g.channel.Instructions(req)

	if g.notifier != nil {
		g.notifier.RequestApproval(ctx, req)
	}

	waitCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	approved, err := g.channel.Await(waitCtx, req)
	if err == nil {
		g.log.Info("Approval reply received", "run_id", req.RunID, "request_id", req.ID, "approved", approved)
		return Outcome{Approved: approved}
	}

	approved = g.def == PolicyApprove
	switch {
	case errors.Is(err, ErrNoChannel):
		g.log.Info("No approval channel, applying default", "run_id", req.RunID, "default", g.def)
	case errors.Is(err, context.DeadlineExceeded):
		g.log.Warn("Approval timed out, applying default", "run_id", req.RunID, "request_id", req.ID, "default", g.def)
	default:
		g.log.Warn("Approval channel failed, applying default", "run_id", req.RunID, "default", g.def, "error", err)
	}
	return Outcome{Approved: approved, Defaulted: true}
}
