package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/llm"
)

// NoSolution is reported when documentation offers no fix.
const NoSolution = "No documented solution found."

const solutionPromptFormat = `You are an Azure Data Factory troubleshooting assistant.
Given this failure reason from a pipeline run:
---
%s
---
and the following retrieved documentation:
---
%s
---
Provide a direct, actionable, step-by-step solution based ONLY on the above documentation.
If no relevant solution is in the documentation, reply exactly: '%s'`

// Solver writes a suggested fix from the passages retrieved while deciding.
type Solver struct {
	oracle  llm.Client
	model   string
	timeout time.Duration
}

func NewSolver(oracle llm.Client, model string, timeout time.Duration) *Solver {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Solver{oracle: oracle, model: model, timeout: timeout}
}

// Suggest returns solution text for an alert. It never fails.
func (s *Solver) Suggest(ctx context.Context, fc *domain.FailureContext) string {
	reason := strings.TrimSpace(fc.ErrorMessage)
	if reason == "" || len(fc.Passages) == 0 || s.oracle == nil {
		return NoSolution
	}

	docs := make([]string, 0, len(fc.Passages))
	for _, p := range fc.Passages {
		source := p.Source
		if source == "" {
			source = "Unknown"
		}
		docs = append(docs, fmt.Sprintf("Source: %s\n%s", source, p.Text))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.oracle.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(solutionPromptFormat, reason, strings.Join(docs, "\n\n---\n\n"), NoSolution),
		}},
	})
	if err != nil {
		slog.Warn("Solution lookup failed", "run_id", fc.RunID, "error", err)
		return NoSolution
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return text
	}
	return NoSolution
}
