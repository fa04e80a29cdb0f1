package review

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/governd/internal/auditchain"
)

var (
	// ErrInvalidTransition indicates a state change not allowed from the
	// request's current status. Surfaced immediately, never retried.
	ErrInvalidTransition = errors.New("review: invalid transition")

	// ErrNotFound indicates the review request does not exist.
	ErrNotFound = errors.New("review: request not found")
)

// AuditLog is the slice of the audit chain the manager writes through.
type AuditLog interface {
	Append(ctx context.Context, eventType, actor, phase string, payload any) (*auditchain.Entry, error)
}

// Clock abstracts time for deterministic SLA testing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Status is the review request lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInReview  Status = "in_review"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimedOut:
		return true
	}
	return false
}

// Decision is a reviewer's resolution of a request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// SLA holds the configured maximum durations for a review.
type SLA struct {
	// Response is the time allowed before a reviewer picks up the request.
	Response time.Duration `koanf:"response"`

	// Resolution is the time allowed per escalation level before the
	// request escalates (or times out at the final level).
	Resolution time.Duration `koanf:"resolution"`
}

// Request is a single Human Review Gate instance.
type Request struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`

	// RunID and Phase identify the owning phase execution.
	RunID string `json:"run_id"`
	Phase string `json:"phase"`

	// Gate is the configured gate name that opened this request.
	Gate string `json:"gate"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Level indexes into the configured escalation chain.
	Level int `json:"level"`

	// LevelName is the escalation chain entry at Level.
	LevelName string `json:"level_name"`

	SLA                SLA       `json:"sla"`
	ResponseDeadline   time.Time `json:"response_deadline"`
	ResolutionDeadline time.Time `json:"resolution_deadline"`

	// Reviewer, Decision, and Rationale are set as the review progresses.
	Reviewer  string   `json:"reviewer,omitempty"`
	Decision  Decision `json:"decision,omitempty"`
	Rationale string   `json:"rationale,omitempty"`

	// LateStart marks a review picked up after the response deadline.
	LateStart bool `json:"late_start,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	RespondedAt time.Time `json:"responded_at,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`

	// Escalations counts how many times this request has escalated.
	Escalations int `json:"escalations"`
}

// Stats aggregates review outcomes for reporting.
type Stats struct {
	Total            int            `json:"total"`
	ByStatus         map[Status]int `json:"by_status"`
	ByGate           map[string]int `json:"by_gate"`
	Escalations      int            `json:"escalations"`
	MeanResolution   time.Duration  `json:"mean_resolution"`
	SLACompliantRate float64        `json:"sla_compliant_rate"`
}
