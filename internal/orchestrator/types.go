package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/governd/internal/auditchain"
	"github.com/fyrsmithlabs/governd/internal/review"
)

var (
	// ErrRunNotFound indicates the run does not exist in the registry.
	ErrRunNotFound = errors.New("orchestrator: run not found")

	// ErrVerdictBlocked indicates a verdict port halted the phase.
	ErrVerdictBlocked = errors.New("orchestrator: verdict blocked")

	// ErrVerdictTimeout indicates a verdict port failed to respond within its
	// timeout. Treated as a Block unless the port is configured fail-open.
	ErrVerdictTimeout = errors.New("orchestrator: verdict timeout")

	// ErrGateRejected indicates a human review gate resolved against
	// continuation, by explicit rejection or by fail-closed timeout.
	ErrGateRejected = errors.New("orchestrator: gate rejected")
)

// Phase is a named pipeline stage.
type Phase string

// DefaultPhases returns the standard phase order for a governed run.
func DefaultPhases() []Phase {
	return []Phase{
		"ingestion",
		"preprocessing",
		"processing",
		"analysis",
		"validation",
		"synthesis",
		"review",
		"finalization",
	}
}

// ExecStatus is the lifecycle state of a phase execution.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecBlocked   ExecStatus = "blocked"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecSkipped   ExecStatus = "skipped"
)

// PhaseExecution is one attempt to run a named phase within a run. Owned
// exclusively by the runner and mutated only through its transitions.
type PhaseExecution struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Phase Phase  `json:"phase"`

	// Seq is the phase's index in the run's fixed total order.
	Seq int `json:"seq"`

	Status ExecStatus `json:"status"`

	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	// Output is the state produced by the phase body.
	Output json.RawMessage `json:"output,omitempty"`

	// Error records why the phase failed, empty otherwise.
	Error string `json:"error,omitempty"`

	// ReviewID links the gate review opened for this phase, if any.
	ReviewID string `json:"review_id,omitempty"`

	// SnapshotID links the state snapshot taken at this phase boundary.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
)

// Run is one governed pipeline execution.
type Run struct {
	ID        string            `json:"id"`
	Status    RunStatus         `json:"status"`
	Phases    []*PhaseExecution `json:"phases"`
	CreatedAt time.Time         `json:"created_at"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
}

// Report summarizes a finished run: the last completed phase, why the run
// halted if it did, and the audit range covering the run. A halted run is
// explained by its report and audit range, never by a bare stack trace.
type Report struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`

	// LastCompleted names the last phase that reached Completed, empty when
	// no phase completed.
	LastCompleted Phase `json:"last_completed,omitempty"`

	// HaltedPhase and Reason are set when the run halted.
	HaltedPhase Phase  `json:"halted_phase,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// AuditFrom and AuditTo bound the audit entries written during the run,
	// from inclusive, to exclusive.
	AuditFrom uint64 `json:"audit_from"`
	AuditTo   uint64 `json:"audit_to"`

	// Snapshots lists snapshot IDs taken at completed phase boundaries.
	Snapshots []string `json:"snapshots,omitempty"`
}

// PhaseBody executes the business logic of a single phase. It is an external
// collaborator: the runner owns all state tracking around it, and a panic
// inside Execute is recovered and recorded as a phase failure.
type PhaseBody interface {
	Execute(ctx context.Context, phase Phase, input json.RawMessage) (json.RawMessage, error)
}

// GateSpec configures a human review gate at a phase boundary. A nil SLA
// uses the review manager's default.
type GateSpec struct {
	Name string      `koanf:"name"`
	SLA  *review.SLA `koanf:"sla"`
}

// AuditLog is the slice of the audit chain the runner writes through.
type AuditLog interface {
	Append(ctx context.Context, eventType, actor, phase string, payload any) (*auditchain.Entry, error)
	Head() (uint64, string)
}
