package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/review"
	"github.com/fyrsmithlabs/governd/internal/snapshot"
)

const instrumentationName = "github.com/fyrsmithlabs/governd/internal/orchestrator"

// Config configures the runner.
type Config struct {
	// Phases is the fixed total order of the pipeline.
	Phases []Phase `koanf:"phases"`

	// Gates maps phases to review gates opened before the phase body runs.
	Gates map[Phase]GateSpec `koanf:"gates"`

	// PortTimeout is the default timeout for verdict port evaluation.
	PortTimeout time.Duration `koanf:"port_timeout"`

	// SkipOnFailure marks phases whose failure downgrades to Skipped instead
	// of halting the run.
	SkipOnFailure map[Phase]bool `koanf:"skip_on_failure"`
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() *Config {
	return &Config{
		Phases:      DefaultPhases(),
		PortTimeout: 30 * time.Second,
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if len(c.Phases) == 0 {
		return errors.New("at least one phase is required")
	}
	seen := make(map[Phase]bool, len(c.Phases))
	for _, p := range c.Phases {
		if p == "" {
			return errors.New("phase names must be non-empty")
		}
		if seen[p] {
			return fmt.Errorf("duplicate phase: %s", p)
		}
		seen[p] = true
	}
	for p := range c.Gates {
		if !seen[p] {
			return fmt.Errorf("gate configured for unknown phase: %s", p)
		}
	}
	if c.PortTimeout <= 0 {
		return errors.New("port timeout must be positive")
	}
	return nil
}

// Runner owns all in-flight runs for a process. The registry is an explicit
// owned collection with init at construction and drain on Close; runs are
// never reachable through ambient state.
type Runner struct {
	cfg     *Config
	audit   AuditLog
	store   *snapshot.Store
	reviews *review.Manager
	logger  *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	phaseCounter metric.Int64Counter

	bodies map[Phase]PhaseBody
	ports  []PortBinding

	mu     sync.Mutex
	runs   map[string]*Run
	wg     sync.WaitGroup
	closed bool
}

// NewRunner creates a runner.
func NewRunner(cfg *Config, audit AuditLog, store *snapshot.Store, reviews *review.Manager, logger *zap.Logger) (*Runner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if audit == nil {
		return nil, errors.New("audit log is required")
	}
	if store == nil {
		return nil, errors.New("snapshot store is required")
	}
	if reviews == nil {
		return nil, errors.New("review manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		cfg:     cfg,
		audit:   audit,
		store:   store,
		reviews: reviews,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		bodies:  make(map[Phase]PhaseBody),
		runs:    make(map[string]*Run),
	}
	r.initMetrics()

	return r, nil
}

func (r *Runner) initMetrics() {
	var err error

	r.phaseCounter, err = r.meter.Int64Counter(
		"governd.orchestrator.phases_total",
		metric.WithDescription("Total phase executions, labeled by terminal status"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		r.logger.Warn("failed to create phase counter", zap.Error(err))
	}
}

// RegisterBody registers the phase body for a phase.
func (r *Runner) RegisterBody(phase Phase, body PhaseBody) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[phase] = body
}

// RegisterPort binds a verdict port. Every bound port is evaluated at both
// the pre and post stage of every phase.
func (r *Runner) RegisterPort(b PortBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, b)
}

// Run executes one governed pipeline run to completion or halt. Phases run
// strictly sequentially; the returned report and the error both describe a
// halt, so callers can treat either as authoritative.
func (r *Runner) Run(ctx context.Context, input json.RawMessage) (*Report, error) {
	run, err := r.newRun()
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run, input)
}

// Start launches a run in the background and returns its ID immediately. The
// run survives the caller's request context; cancel it through Close or by
// resolving its gates.
func (r *Runner) Start(ctx context.Context, input json.RawMessage) (string, error) {
	run, err := r.newRun()
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := r.execute(context.WithoutCancel(ctx), run, input); err != nil {
			r.logger.Warn("background run halted",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}()
	return run.ID, nil
}

func (r *Runner) newRun() (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("runner is closed")
	}
	run := &Run{
		ID:        uuid.New().String(),
		Status:    RunRunning,
		CreatedAt: time.Now(),
	}
	for i, p := range r.cfg.Phases {
		run.Phases = append(run.Phases, &PhaseExecution{
			ID:     uuid.New().String(),
			RunID:  run.ID,
			Phase:  p,
			Seq:    i,
			Status: ExecPending,
		})
	}
	r.runs[run.ID] = run
	r.wg.Add(1)
	return run, nil
}

func (r *Runner) execute(ctx context.Context, run *Run, input json.RawMessage) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	defer r.wg.Done()

	span.SetAttributes(attribute.String("run_id", run.ID))
	auditFrom, _ := r.audit.Head()

	if _, err := r.audit.Append(ctx, "RUN_STARTED", "system", "", map[string]any{
		"run_id": run.ID,
		"phases": len(r.cfg.Phases),
	}); err != nil {
		return r.halt(ctx, run, "", auditFrom, fmt.Errorf("failed to audit run start: %w", err))
	}

	r.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.Int("phases", len(r.cfg.Phases)),
	)

	state := input
	for _, exec := range run.Phases {
		output, err := r.runPhase(ctx, run, exec, state)
		if err != nil {
			r.finishExec(exec, ExecFailed, err.Error())
			if _, aerr := r.audit.Append(ctx, "PHASE_FAILED", "system", string(exec.Phase), map[string]any{
				"run_id": run.ID,
				"error":  err.Error(),
			}); aerr != nil {
				r.logger.Error("failed to audit phase failure", zap.Error(aerr))
			}
			r.countPhase(ctx, ExecFailed)

			if r.cfg.SkipOnFailure[exec.Phase] {
				r.finishExec(exec, ExecSkipped, err.Error())
				if _, aerr := r.audit.Append(ctx, "PHASE_SKIPPED", "system", string(exec.Phase), map[string]any{
					"run_id": run.ID,
				}); aerr != nil {
					return r.halt(ctx, run, exec.Phase, auditFrom, fmt.Errorf("failed to audit phase skip: %w", aerr))
				}
				r.logger.Warn("phase failed, policy allows skip",
					zap.String("run_id", run.ID),
					zap.String("phase", string(exec.Phase)),
					zap.Error(err),
				)
				continue
			}
			return r.halt(ctx, run, exec.Phase, auditFrom, err)
		}
		state = output
	}

	r.mu.Lock()
	run.Status = RunCompleted
	run.EndedAt = time.Now()
	r.mu.Unlock()

	if _, err := r.audit.Append(ctx, "RUN_COMPLETED", "system", "", map[string]any{
		"run_id": run.ID,
	}); err != nil {
		r.logger.Error("failed to audit run completion", zap.Error(err))
	}

	r.logger.Info("run completed", zap.String("run_id", run.ID))

	return r.report(run, "", "", auditFrom), nil
}

// runPhase drives a single phase through its full transition sequence. Any
// returned error leaves the phase Failed at the caller; there is no path that
// continues past a Block verdict or an unapproved gate.
func (r *Runner) runPhase(ctx context.Context, run *Run, exec *PhaseExecution, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "orchestrator.run_phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("phase", string(exec.Phase)),
	)

	r.mu.Lock()
	exec.Status = ExecRunning
	exec.StartedAt = time.Now()
	r.mu.Unlock()

	if _, err := r.audit.Append(ctx, "PHASE_STARTED", "system", string(exec.Phase), map[string]any{
		"run_id": run.ID,
		"seq":    exec.Seq,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit phase start: %w", err)
	}

	if err := r.applyVerdicts(ctx, run.ID, exec.Phase, StagePre, input); err != nil {
		return nil, err
	}

	if gate, ok := r.cfg.Gates[exec.Phase]; ok {
		if err := r.awaitGate(ctx, run, exec, gate); err != nil {
			return nil, err
		}
	}

	output, err := r.executeBody(ctx, exec.Phase, input)
	if err != nil {
		return nil, err
	}

	if err := r.applyVerdicts(ctx, run.ID, exec.Phase, StagePost, output); err != nil {
		return nil, err
	}

	snap, err := r.store.Save(ctx, &snapshot.SaveRequest{
		RunID: run.ID,
		Phase: string(exec.Phase),
		State: output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot phase state: %w", err)
	}

	r.mu.Lock()
	exec.Status = ExecCompleted
	exec.EndedAt = time.Now()
	exec.Output = output
	exec.SnapshotID = snap.ID
	duration := exec.EndedAt.Sub(exec.StartedAt)
	r.mu.Unlock()

	if _, err := r.audit.Append(ctx, "PHASE_COMPLETED", "system", string(exec.Phase), map[string]any{
		"run_id":      run.ID,
		"snapshot_id": snap.ID,
		"duration_ms": duration.Milliseconds(),
	}); err != nil {
		return nil, fmt.Errorf("failed to audit phase completion: %w", err)
	}
	r.countPhase(ctx, ExecCompleted)

	return output, nil
}

// awaitGate opens a review gate and suspends the phase until resolution. The
// wait is cooperative: it wakes on the review's terminal transition or on ctx
// cancellation, never by polling.
func (r *Runner) awaitGate(ctx context.Context, run *Run, exec *PhaseExecution, gate GateSpec) error {
	req, err := r.reviews.Request(ctx, run.ID, string(exec.Phase), gate.Name, gate.SLA)
	if err != nil {
		return fmt.Errorf("failed to open review gate: %w", err)
	}

	r.mu.Lock()
	exec.Status = ExecBlocked
	exec.ReviewID = req.ID
	r.mu.Unlock()

	if _, err := r.audit.Append(ctx, "PHASE_BLOCKED", "system", string(exec.Phase), map[string]any{
		"run_id":    run.ID,
		"review_id": req.ID,
		"gate":      gate.Name,
	}); err != nil {
		return fmt.Errorf("failed to audit phase block: %w", err)
	}

	r.logger.Info("phase blocked on review gate",
		zap.String("run_id", run.ID),
		zap.String("phase", string(exec.Phase)),
		zap.String("review_id", req.ID),
	)

	resolved, err := r.reviews.Await(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("gate wait aborted: %w", err)
	}

	if resolved.Status != review.StatusApproved {
		// Rejected or timed out. Fail closed: the phase never resumes.
		return fmt.Errorf("%w: review %s resolved %s", ErrGateRejected, req.ID, resolved.Status)
	}

	r.mu.Lock()
	exec.Status = ExecRunning
	r.mu.Unlock()

	if _, err := r.audit.Append(ctx, "PHASE_RESUMED", resolved.Reviewer, string(exec.Phase), map[string]any{
		"run_id":    run.ID,
		"review_id": req.ID,
	}); err != nil {
		return fmt.Errorf("failed to audit phase resume: %w", err)
	}
	return nil
}

// executeBody invokes the external phase body, converting a panic into a
// phase failure.
func (r *Runner) executeBody(ctx context.Context, phase Phase, input json.RawMessage) (output json.RawMessage, err error) {
	r.mu.Lock()
	body, ok := r.bodies[phase]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no body registered for phase %s", phase)
	}

	defer func() {
		if p := recover(); p != nil {
			output = nil
			err = fmt.Errorf("phase body panicked: %v", p)
		}
	}()

	return body.Execute(ctx, phase, input)
}

func (r *Runner) halt(ctx context.Context, run *Run, phase Phase, auditFrom uint64, cause error) (*Report, error) {
	r.mu.Lock()
	run.Status = RunHalted
	run.EndedAt = time.Now()
	r.mu.Unlock()

	if _, err := r.audit.Append(ctx, "RUN_HALTED", "system", string(phase), map[string]any{
		"run_id": run.ID,
		"reason": cause.Error(),
	}); err != nil {
		r.logger.Error("failed to audit run halt", zap.Error(err))
	}

	r.logger.Error("run halted",
		zap.String("run_id", run.ID),
		zap.String("phase", string(phase)),
		zap.Error(cause),
	)

	return r.report(run, phase, cause.Error(), auditFrom), cause
}

func (r *Runner) report(run *Run, halted Phase, reason string, auditFrom uint64) *Report {
	auditTo, _ := r.audit.Head()

	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		RunID:       run.ID,
		Status:      run.Status,
		HaltedPhase: halted,
		Reason:      reason,
		AuditFrom:   auditFrom,
		AuditTo:     auditTo,
	}
	for _, exec := range run.Phases {
		if exec.Status == ExecCompleted {
			rep.LastCompleted = exec.Phase
			rep.Snapshots = append(rep.Snapshots, exec.SnapshotID)
		}
	}
	return rep
}

func (r *Runner) finishExec(exec *PhaseExecution, status ExecStatus, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec.Status = status
	exec.Error = reason
	if exec.EndedAt.IsZero() {
		exec.EndedAt = time.Now()
	}
}

func (r *Runner) countPhase(ctx context.Context, status ExecStatus) {
	if r.phaseCounter != nil {
		r.phaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

// GetRun returns a copy of a run and its phase executions.
func (r *Runner) GetRun(id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return copyRun(run), nil
}

// Runs returns copies of all registered runs.
func (r *Runner) Runs() []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, copyRun(run))
	}
	return out
}

func copyRun(run *Run) *Run {
	cp := *run
	cp.Phases = make([]*PhaseExecution, len(run.Phases))
	for i, exec := range run.Phases {
		e := *exec
		cp.Phases[i] = &e
	}
	return &cp
}

// Close rejects new runs and drains in-flight ones.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
