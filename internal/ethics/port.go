package ethics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/orchestrator"
)

// Rule is one configured ethical constraint on phase state.
type Rule struct {
	// ID uniquely names the rule in verdict details and logs.
	ID string `koanf:"id"`

	// Category groups rules for reporting (fairness, transparency,
	// accountability, privacy, safety).
	Category string `koanf:"category"`

	// Statement is the human-readable constraint.
	Statement string `koanf:"statement"`

	// RequiredKeys must all be present as top-level keys in the phase state.
	RequiredKeys []string `koanf:"required_keys"`

	// ForbiddenMarkers must not appear anywhere in the serialized state.
	ForbiddenMarkers []string `koanf:"forbidden_markers"`

	// Level is the enforcement level applied when the rule is violated.
	Level orchestrator.VerdictLevel `koanf:"level"`
}

// Port evaluates configured rules against phase state.
type Port struct {
	rules  []Rule
	logger *zap.Logger
}

// NewPort creates a rule port. Every rule's enforcement level is validated
// here: an unknown level is a configuration error, not a silent no-op.
func NewPort(rules []Rule, logger *zap.Logger) (*Port, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		switch r.Level {
		case orchestrator.VerdictBlock, orchestrator.VerdictWarn, orchestrator.VerdictLog:
		default:
			return nil, fmt.Errorf("rule %s: unknown enforcement level %q", r.ID, r.Level)
		}
		if len(r.RequiredKeys) == 0 && len(r.ForbiddenMarkers) == 0 {
			return nil, fmt.Errorf("rule %s: at least one check is required", r.ID)
		}
	}
	return &Port{rules: rules, logger: logger}, nil
}

// Evaluate implements orchestrator.VerdictPort. The returned verdict carries
// the most severe level among violated rules.
func (p *Port) Evaluate(_ context.Context, phase orchestrator.Phase, stage orchestrator.Stage, state json.RawMessage) (orchestrator.Verdict, error) {
	var payload map[string]any
	if len(state) > 0 {
		// Non-object state is treated as having no keys, not as an error:
		// required-key rules then report their violation below.
		_ = json.Unmarshal(state, &payload)
	}
	raw := string(state)

	verdict := orchestrator.Verdict{Level: orchestrator.VerdictLog}
	var violated []string

	for _, r := range p.rules {
		var reasons []string
		for _, key := range r.RequiredKeys {
			if _, ok := payload[key]; !ok {
				reasons = append(reasons, fmt.Sprintf("missing required key %q", key))
			}
		}
		for _, marker := range r.ForbiddenMarkers {
			if strings.Contains(raw, marker) {
				reasons = append(reasons, fmt.Sprintf("forbidden marker %q present", marker))
			}
		}
		if len(reasons) == 0 {
			continue
		}

		violated = append(violated, fmt.Sprintf("%s: %s", r.ID, strings.Join(reasons, ", ")))
		if severity(r.Level) > severity(verdict.Level) {
			verdict.Level = r.Level
		}

		p.logger.Warn("ethics rule violated",
			zap.String("rule", r.ID),
			zap.String("phase", string(phase)),
			zap.String("stage", string(stage)),
			zap.String("level", string(r.Level)),
		)
	}

	if len(violated) == 0 {
		verdict.Detail = fmt.Sprintf("%d rules evaluated, none violated", len(p.rules))
		return verdict, nil
	}
	verdict.Detail = strings.Join(violated, "; ")
	return verdict, nil
}

func severity(level orchestrator.VerdictLevel) int {
	switch level {
	case orchestrator.VerdictBlock:
		return 2
	case orchestrator.VerdictWarn:
		return 1
	default:
		return 0
	}
}
