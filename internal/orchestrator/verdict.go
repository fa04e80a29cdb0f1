package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Stage identifies where in a phase a verdict port runs.
type Stage string

const (
	StagePre  Stage = "pre"
	StagePost Stage = "post"
)

// VerdictLevel is a closed enforcement level. The halt decision switches over
// it exhaustively; an unrecognized level fails closed.
type VerdictLevel string

const (
	// VerdictBlock fails the phase.
	VerdictBlock VerdictLevel = "block"

	// VerdictWarn is logged and audited, the phase continues.
	VerdictWarn VerdictLevel = "warn"

	// VerdictLog is recorded only.
	VerdictLog VerdictLevel = "log"
)

// Verdict is the outcome of one port evaluation.
type Verdict struct {
	Level  VerdictLevel `json:"level"`
	Detail string       `json:"detail,omitempty"`
}

// VerdictPort is an external policy evaluator whose verdict can gate phase
// progression. Evaluations are treated as potentially slow: the runner applies
// a timeout around every call.
type VerdictPort interface {
	Evaluate(ctx context.Context, phase Phase, stage Stage, state json.RawMessage) (Verdict, error)
}

// PortBinding attaches a verdict port to the runner. FailOpen lets the phase
// continue when the port times out or errors; it is an explicit, audited
// configuration choice, never the default.
type PortBinding struct {
	Name     string
	Port     VerdictPort
	Timeout  time.Duration
	FailOpen bool
}

type portOutcome struct {
	verdict Verdict
	err     error
}

// evaluate runs one port with its timeout. A port that neither returns nor
// honors cancellation cannot stall the run; its goroutine is abandoned with a
// buffered channel.
func (r *Runner) evaluate(ctx context.Context, b PortBinding, phase Phase, stage Stage, state json.RawMessage) (Verdict, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = r.cfg.PortTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan portOutcome, 1)
	go func() {
		v, err := b.Port.Evaluate(ctx, phase, stage, state)
		ch <- portOutcome{verdict: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("%w: port %s", ErrVerdictTimeout, b.Name)
	case out := <-ch:
		if out.err != nil {
			return Verdict{}, fmt.Errorf("port %s evaluation failed: %w", b.Name, out.err)
		}
		return out.verdict, nil
	}
}

// applyVerdicts runs every bound port for a stage and decides whether the
// phase may continue. This is the single halt-decision call site: a Block (or
// an unknown level) is returned as an error the caller cannot continue past.
func (r *Runner) applyVerdicts(ctx context.Context, runID string, phase Phase, stage Stage, state json.RawMessage) error {
	r.mu.Lock()
	ports := make([]PortBinding, len(r.ports))
	copy(ports, r.ports)
	r.mu.Unlock()

	for _, b := range ports {
		verdict, err := r.evaluate(ctx, b, phase, stage, state)
		if err != nil {
			if b.FailOpen {
				// Explicitly configured to continue without a verdict. The
				// choice is audited so the gap is visible after the fact.
				if _, aerr := r.audit.Append(ctx, "VERDICT_FAIL_OPEN", "system", string(phase), map[string]any{
					"run_id": runID,
					"port":   b.Name,
					"stage":  stage,
					"error":  err.Error(),
				}); aerr != nil {
					return fmt.Errorf("failed to audit fail-open verdict: %w", aerr)
				}
				r.logger.Warn("verdict port failed open",
					zap.String("port", b.Name),
					zap.String("phase", string(phase)),
					zap.Error(err),
				)
				continue
			}
			return err
		}

		switch verdict.Level {
		case VerdictBlock:
			if _, aerr := r.audit.Append(ctx, "VERDICT_BLOCKED", "system", string(phase), map[string]any{
				"run_id": runID,
				"port":   b.Name,
				"stage":  stage,
				"detail": verdict.Detail,
			}); aerr != nil {
				return fmt.Errorf("failed to audit block verdict: %w", aerr)
			}
			return fmt.Errorf("%w: port %s (%s): %s", ErrVerdictBlocked, b.Name, stage, verdict.Detail)

		case VerdictWarn:
			if _, aerr := r.audit.Append(ctx, "VERDICT_WARNING", "system", string(phase), map[string]any{
				"run_id": runID,
				"port":   b.Name,
				"stage":  stage,
				"detail": verdict.Detail,
			}); aerr != nil {
				return fmt.Errorf("failed to audit warn verdict: %w", aerr)
			}
			r.logger.Warn("verdict warning",
				zap.String("port", b.Name),
				zap.String("phase", string(phase)),
				zap.String("detail", verdict.Detail),
			)

		case VerdictLog:
			if _, aerr := r.audit.Append(ctx, "VERDICT_RECORDED", "system", string(phase), map[string]any{
				"run_id": runID,
				"port":   b.Name,
				"stage":  stage,
				"detail": verdict.Detail,
			}); aerr != nil {
				return fmt.Errorf("failed to audit log verdict: %w", aerr)
			}

		default:
			// Unknown enforcement level fails closed.
			return fmt.Errorf("%w: port %s returned unknown level %q", ErrVerdictBlocked, b.Name, verdict.Level)
		}
	}
	return nil
}
