// Package decision obtains and validates remediation decisions from the
// decision oracle.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/core/retry"
	"github.com/vietddude/remediator/internal/infra/llm"
	"github.com/vietddude/remediator/internal/metrics"
)

// NoKnowledge replaces the knowledge text when retrieval finds nothing.
const NoKnowledge = "No relevant information found in knowledge base."

const systemPrompt = "You are an expert Azure Data Factory pipeline assistant. " +
	"Analyze pipeline failure error messages and relevant documentation context to decide the retry action."

const userPromptFormat = `An Azure Data Factory pipeline has failed.
Pipeline Name: %s
Failed Activity: %s
Error Message: %s
Knowledge base context:
%s

Based on the error and knowledge base, decide:
- full_rerun: rerun entire pipeline
- partial_rerun: rerun from failed activity
- no_rerun: do not retry, escalate to human

Return ONLY a valid JSON object in this exact format:
{ "action": "full_rerun" | "partial_rerun" | "no_rerun", "reason": "..." }`

// Retriever finds documentation passages for a free-text query.
type Retriever interface {
	Search(ctx context.Context, query string) ([]domain.Passage, error)
}

// Config controls oracle calls.
type Config struct {
	Model   string
	Timeout time.Duration // per attempt
	Policy  retry.Policy
}

// Maker turns a FailureContext into a validated Decision.
type Maker struct {
	oracle    llm.Client
	retriever Retriever
	cfg       Config
	log       *slog.Logger
}

// NewMaker creates a Maker. retriever may be nil.
func NewMaker(oracle llm.Client, retriever Retriever, cfg Config) *Maker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy
	}
	return &Maker{
		oracle:    oracle,
		retriever: retriever,
		cfg:       cfg,
		log:       slog.Default().With("component", "decision"),
	}
}

// Decide attaches retrieved knowledge to fc and asks the oracle for a
// decision. It never fails: when every attempt is exhausted the fallback
// no_rerun decision is returned.
func (m *Maker) Decide(ctx context.Context, fc *domain.FailureContext) domain.Decision {
	m.attachKnowledge(ctx, fc)

	req := llm.ChatRequest{
		Model:       m.cfg.Model,
		Temperature: 0,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(userPromptFormat,
				fc.PipelineName, fc.ActivityOrUnknown(), fc.ErrorMessage, fc.KnowledgeText)},
		},
	}

	var decision domain.Decision
	err := m.cfg.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()

		resp, err := m.oracle.Chat(callCtx, req)
		if err != nil {
			metrics.OracleAttempts.WithLabelValues("error").Inc()
			m.log.Warn("Decision oracle call failed", "run_id", fc.RunID, "attempt", attempt, "error", err)
			return err
		}
		d, err := ParseDecision(resp.Content)
		if err != nil {
			metrics.OracleAttempts.WithLabelValues("invalid").Inc()
			m.log.Warn("Decision oracle returned invalid output",
				"run_id", fc.RunID, "attempt", attempt, "error", err)
			m.log.Debug("Raw oracle output", "run_id", fc.RunID, "content", resp.Content)
			return err
		}
		metrics.OracleAttempts.WithLabelValues("ok").Inc()
		decision = d
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			m.log.Error("No valid decision, falling back", "run_id", fc.RunID, "attempts", exhausted.Attempts, "error", exhausted.Last)
		} else {
			m.log.Error("Decision aborted, falling back", "run_id", fc.RunID, "error", err)
		}
		decision = domain.FallbackDecision()
	}

	metrics.DecisionsTotal.WithLabelValues(string(decision.Action)).Inc()
	return decision
}

func (m *Maker) attachKnowledge(ctx context.Context, fc *domain.FailureContext) {
	fc.KnowledgeText = NoKnowledge
	fc.Passages = nil
	if m.retriever == nil {
		return
	}

	query := fc.ErrorMessage
	if strings.TrimSpace(query) == "" {
		query = fc.PipelineName
	}
	passages, err := m.retriever.Search(ctx, query)
	if err != nil {
		m.log.Warn("Knowledge retrieval failed", "run_id", fc.RunID, "error", err)
		return
	}
	if len(passages) == 0 {
		return
	}

	texts := make([]string, 0, len(passages))
	for _, p := range passages {
		texts = append(texts, strings.TrimSpace(p.Text))
	}
	fc.Passages = passages
	fc.KnowledgeText = strings.Join(texts, "\n\n")
}
