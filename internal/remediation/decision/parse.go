package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vietddude/remediator/internal/core/domain"
)

// ErrInvalidDecision is returned for oracle output that is not a valid decision.
var ErrInvalidDecision = errors.New("invalid decision")

type wireDecision struct {
	Action *string `json:"action"`
	Reason *string `json:"reason"`
}

// ParseDecision validates raw oracle output. The output must be a single JSON
// object with exactly the keys action and reason; a surrounding markdown code
// fence is tolerated.
func ParseDecision(raw string) (domain.Decision, error) {
	text := stripFence(raw)
	if text == "" {
		return domain.Decision{}, fmt.Errorf("%w: empty output", ErrInvalidDecision)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()

	var w wireDecision
	if err := dec.Decode(&w); err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return domain.Decision{}, fmt.Errorf("%w: trailing data after object", ErrInvalidDecision)
	}

	if w.Action == nil {
		return domain.Decision{}, fmt.Errorf("%w: missing action", ErrInvalidDecision)
	}
	if w.Reason == nil || strings.TrimSpace(*w.Reason) == "" {
		return domain.Decision{}, fmt.Errorf("%w: missing reason", ErrInvalidDecision)
	}

	action := domain.Action(strings.TrimSpace(*w.Action))
	switch action {
	case domain.ActionFullRerun, domain.ActionPartialRerun, domain.ActionNoRerun:
	default:
		return domain.Decision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, *w.Action)
	}

	return domain.Decision{Action: action, Reason: strings.TrimSpace(*w.Reason)}, nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
