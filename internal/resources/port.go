package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/orchestrator"
)

// Budget is one resource grant requested for a phase.
type Budget struct {
	Type     Type    `koanf:"type"`
	Amount   float64 `koanf:"amount"`
	Unit     string  `koanf:"unit"`
	Priority int     `koanf:"priority"`
}

// UsageFunc measures how much of a budget a phase consumed, given the state
// the phase produced. The default measures the serialized state size.
type UsageFunc func(phase orchestrator.Phase, budget Budget, state json.RawMessage) float64

// PortConfig configures the verdict port.
type PortConfig struct {
	// Budgets maps phases to the resources allocated before the phase body
	// runs. Phases without budgets pass through with a recorded verdict.
	Budgets map[orchestrator.Phase][]Budget `koanf:"budgets"`

	// Enforce turns a waste-governance breach into a Block verdict instead
	// of a Warn.
	Enforce bool `koanf:"enforce"`
}

// Port adapts the tracker to the orchestrator's verdict interface: the pre
// stage allocates the phase's budgets, the post stage records usage and
// assesses waste governance.
type Port struct {
	cfg     *PortConfig
	tracker *Tracker
	usage   UsageFunc
	logger  *zap.Logger

	mu   sync.Mutex
	open map[orchestrator.Phase][]string
}

// NewPort creates a verdict port over the tracker.
func NewPort(cfg *PortConfig, tracker *Tracker, usage UsageFunc, logger *zap.Logger) (*Port, error) {
	if cfg == nil {
		cfg = &PortConfig{}
	}
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if usage == nil {
		usage = func(_ orchestrator.Phase, _ Budget, state json.RawMessage) float64 {
			return float64(len(state))
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Port{
		cfg:     cfg,
		tracker: tracker,
		usage:   usage,
		logger:  logger,
		open:    make(map[orchestrator.Phase][]string),
	}, nil
}

// Evaluate implements orchestrator.VerdictPort.
func (p *Port) Evaluate(_ context.Context, phase orchestrator.Phase, stage orchestrator.Stage, state json.RawMessage) (orchestrator.Verdict, error) {
	switch stage {
	case orchestrator.StagePre:
		return p.allocate(phase)
	case orchestrator.StagePost:
		return p.settle(phase, state)
	default:
		return orchestrator.Verdict{}, fmt.Errorf("unknown stage %q", stage)
	}
}

func (p *Port) allocate(phase orchestrator.Phase) (orchestrator.Verdict, error) {
	p.releaseStale(phase)

	budgets := p.cfg.Budgets[phase]
	if len(budgets) == 0 {
		return orchestrator.Verdict{Level: orchestrator.VerdictLog, Detail: "no budgets configured"}, nil
	}

	ids := make([]string, 0, len(budgets))
	for _, b := range budgets {
		alloc, err := p.tracker.Allocate(b.Type, string(phase), b.Amount, b.Unit, b.Priority)
		if err != nil {
			return orchestrator.Verdict{}, fmt.Errorf("failed to allocate %s: %w", b.Type, err)
		}
		ids = append(ids, alloc.ID)
	}

	p.mu.Lock()
	p.open[phase] = ids
	p.mu.Unlock()

	return orchestrator.Verdict{
		Level:  orchestrator.VerdictLog,
		Detail: fmt.Sprintf("allocated %d resource budgets", len(ids)),
	}, nil
}

// releaseStale drops allocations left open by a phase that failed between
// its pre and post stages, so they cannot linger in the tracker.
func (p *Port) releaseStale(phase orchestrator.Phase) {
	p.mu.Lock()
	stale := p.open[phase]
	delete(p.open, phase)
	p.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	p.logger.Warn("releasing unsettled resource allocations",
		zap.String("phase", string(phase)),
		zap.Int("count", len(stale)),
	)
	for _, id := range stale {
		if err := p.tracker.Release(id); err != nil {
			p.logger.Warn("failed to release allocation", zap.String("id", id), zap.Error(err))
		}
	}
}

func (p *Port) settle(phase orchestrator.Phase, state json.RawMessage) (orchestrator.Verdict, error) {
	p.mu.Lock()
	ids := p.open[phase]
	delete(p.open, phase)
	p.mu.Unlock()

	budgets := p.cfg.Budgets[phase]
	for i, id := range ids {
		var budget Budget
		if i < len(budgets) {
			budget = budgets[i]
		}
		if _, err := p.tracker.RecordUsage(id, p.usage(phase, budget, state)); err != nil {
			return orchestrator.Verdict{}, fmt.Errorf("failed to record usage: %w", err)
		}
	}

	assessment := p.tracker.Assess(fmt.Sprintf("phase %s", phase))
	if assessment.Compliant {
		return orchestrator.Verdict{Level: orchestrator.VerdictLog, Detail: "waste governance compliant"}, nil
	}

	detail := strings.Join(assessment.Breaches, "; ")
	if p.cfg.Enforce {
		return orchestrator.Verdict{Level: orchestrator.VerdictBlock, Detail: detail}, nil
	}

	p.logger.Warn("waste governance breach",
		zap.String("phase", string(phase)),
		zap.Strings("breaches", assessment.Breaches),
	)
	return orchestrator.Verdict{Level: orchestrator.VerdictWarn, Detail: detail}, nil
}
