package review

import (
	"context"
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
)

const instrumentationName = "github.com/fyrsmithlabs/governd/internal/review"

// Config configures the review manager.
type Config struct {
	// DefaultSLA applies when a gate does not carry its own SLA.
	DefaultSLA SLA `koanf:"default_sla"`

	// EscalationChain is the ordered list of reviewer tiers. A request that
	// breaches its resolution deadline advances one tier; breaching at the
	// last tier times the request out.
	EscalationChain []string `koanf:"escalation_chain"`
}

// DefaultConfig returns the default review policy.
func DefaultConfig() *Config {
	return &Config{
		DefaultSLA: SLA{
			Response:   4 * time.Hour,
			Resolution: 24 * time.Hour,
		},
		EscalationChain: []string{"L1", "L2", "L3", "critical"},
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if len(c.EscalationChain) == 0 {
		return errors.New("escalation chain must have at least one level")
	}
	if c.DefaultSLA.Response <= 0 || c.DefaultSLA.Resolution <= 0 {
		return errors.New("default SLA durations must be positive")
	}
	return nil
}

// tracked pairs a request with its own lock and completion signal. The
// per-request mutex is what makes check-and-escalate idempotent under
// concurrent sweeps.
type tracked struct {
	mu   sync.Mutex
	req  *Request
	done chan struct{}
}

// Manager owns all open review requests for a process. The collection is
// explicit and passed by reference to the scheduler; lifecycle is tied to
// process start and shutdown.
type Manager struct {
	cfg    *Config
	audit  AuditLog
	logger *zap.Logger
	clock  Clock

	tracer            trace.Tracer
	meter             metric.Meter
	requestCounter    metric.Int64Counter
	escalationCounter metric.Int64Counter

	mu       sync.RWMutex
	requests map[string]*tracked
	closed   bool
}

// NewManager creates a review manager.
func NewManager(cfg *Config, audit AuditLog, clock Clock, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if audit == nil {
		return nil, errors.New("audit log is required")
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:      cfg,
		audit:    audit,
		logger:   logger,
		clock:    clock,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		requests: make(map[string]*tracked),
	}
	m.initMetrics()

	return m, nil
}

func (m *Manager) initMetrics() {
	var err error

	m.requestCounter, err = m.meter.Int64Counter(
		"governd.review.requests_total",
		metric.WithDescription("Total review requests created, labeled by gate"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create request counter", zap.Error(err))
	}

	m.escalationCounter, err = m.meter.Int64Counter(
		"governd.review.escalations_total",
		metric.WithDescription("Total escalations, labeled by outcome (escalated, timed_out)"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create escalation counter", zap.Error(err))
	}
}

// Request creates a Pending review request for a phase execution. A nil sla
// uses the configured default.
func (m *Manager) Request(ctx context.Context, runID, phase, gate string, sla *SLA) (*Request, error) {
	ctx, span := m.tracer.Start(ctx, "review.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("gate", gate),
	)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager is closed")
	}

	effective := m.cfg.DefaultSLA
	if sla != nil {
		effective = *sla
	}

	now := m.clock.Now()
	req := &Request{
		ID:                 uuid.New().String(),
		RunID:              runID,
		Phase:              phase,
		Gate:               gate,
		Status:             StatusPending,
		Level:              0,
		LevelName:          m.cfg.EscalationChain[0],
		SLA:                effective,
		ResponseDeadline:   now.Add(effective.Response),
		ResolutionDeadline: now.Add(effective.Resolution),
		CreatedAt:          now,
	}

	m.requests[req.ID] = &tracked{
		req:  req,
		done: make(chan struct{}),
	}
	m.mu.Unlock()

	if _, err := m.audit.Append(ctx, "HRG_REVIEW_REQUESTED", "system", phase, map[string]any{
		"review_id":           req.ID,
		"run_id":              runID,
		"gate":                gate,
		"response_deadline":   req.ResponseDeadline,
		"resolution_deadline": req.ResolutionDeadline,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit review request: %w", err)
	}

	if m.requestCounter != nil {
		m.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
	}

	m.logger.Info("review requested",
		zap.String("review_id", req.ID),
		zap.String("gate", gate),
		zap.String("phase", phase),
	)

	snapshot := *req
	return &snapshot, nil
}

// Start moves a Pending or Escalated request to InReview. A start after the
// response deadline still succeeds but is marked late and audited as such —
// tardy humans are an operational reality, not a protocol violation.
func (m *Manager) Start(ctx context.Context, id, reviewer string) (*Request, error) {
	ctx, span := m.tracer.Start(ctx, "review.start")
	defer span.End()
	span.SetAttributes(attribute.String("review_id", id))

	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	if tr.req.Status != StatusPending && tr.req.Status != StatusEscalated {
		status := tr.req.Status
		tr.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start review in status %s", ErrInvalidTransition, status)
	}

	now := m.clock.Now()
	tr.req.Status = StatusInReview
	tr.req.Reviewer = reviewer
	tr.req.RespondedAt = now
	tr.req.LateStart = !now.Before(tr.req.ResponseDeadline)
	snapshot := *tr.req
	tr.mu.Unlock()

	if snapshot.LateStart {
		m.logger.Warn("review started after response deadline",
			zap.String("review_id", id),
			zap.String("reviewer", reviewer),
		)
	}

	if _, err := m.audit.Append(ctx, "HRG_REVIEW_STARTED", reviewer, snapshot.Phase, map[string]any{
		"review_id": id,
		"late":      snapshot.LateStart,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit review start: %w", err)
	}

	return &snapshot, nil
}

// Complete resolves an InReview request with a decision and rationale.
func (m *Manager) Complete(ctx context.Context, id string, decision Decision, rationale string) (*Request, error) {
	ctx, span := m.tracer.Start(ctx, "review.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("review_id", id),
		attribute.String("decision", string(decision)),
	)

	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}

	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	if tr.req.Status != StatusInReview {
		status := tr.req.Status
		tr.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot complete review in status %s", ErrInvalidTransition, status)
	}

	if decision == DecisionApproved {
		tr.req.Status = StatusApproved
	} else {
		tr.req.Status = StatusRejected
	}
	tr.req.Decision = decision
	tr.req.Rationale = rationale
	tr.req.ResolvedAt = m.clock.Now()
	snapshot := *tr.req
	close(tr.done)
	tr.mu.Unlock()

	if _, err := m.audit.Append(ctx, "HRG_REVIEW_COMPLETED", snapshot.Reviewer, snapshot.Phase, map[string]any{
		"review_id": id,
		"decision":  decision,
		"rationale": rationale,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit review completion: %w", err)
	}

	m.logger.Info("review completed",
		zap.String("review_id", id),
		zap.String("decision", string(decision)),
	)

	return &snapshot, nil
}

// CheckSLA escalates a request whose resolution deadline has passed, or
// times it out at the final escalation level. Safe to invoke repeatedly and
// concurrently: the per-request lock plus the refreshed deadline guarantee
// exactly one transition per breach.
func (m *Manager) CheckSLA(ctx context.Context, id string) (*Request, error) {
	ctx, span := m.tracer.Start(ctx, "review.check_sla")
	defer span.End()
	span.SetAttributes(attribute.String("review_id", id))

	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	req := tr.req
	now := m.clock.Now()

	if req.Status.Terminal() || now.Before(req.ResolutionDeadline) {
		snapshot := *req
		tr.mu.Unlock()
		return &snapshot, nil
	}

	var eventType string
	if req.Level+1 < len(m.cfg.EscalationChain) {
		req.Level++
		req.LevelName = m.cfg.EscalationChain[req.Level]
		req.Escalations++
		// Escalation re-opens the request at the next tier with a fresh
		// resolution window, awaiting pickup by a reviewer at that tier.
		req.Status = StatusEscalated
		req.Reviewer = ""
		req.ResolutionDeadline = now.Add(req.SLA.Resolution)
		eventType = "HRG_ESCALATED"
	} else {
		req.Status = StatusTimedOut
		req.ResolvedAt = now
		close(tr.done)
		eventType = "HRG_TIMED_OUT"
	}
	snapshot := *req
	tr.mu.Unlock()

	if _, err := m.audit.Append(ctx, eventType, "system", snapshot.Phase, map[string]any{
		"review_id":   id,
		"level":       snapshot.Level,
		"level_name":  snapshot.LevelName,
		"escalations": snapshot.Escalations,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit escalation: %w", err)
	}

	outcome := "escalated"
	if snapshot.Status == StatusTimedOut {
		outcome = "timed_out"
	}
	if m.escalationCounter != nil {
		m.escalationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	m.logger.Warn("review SLA breached",
		zap.String("review_id", id),
		zap.String("outcome", outcome),
		zap.String("level", snapshot.LevelName),
	)

	return &snapshot, nil
}

// Await blocks until the request reaches a terminal state or ctx is
// cancelled. This is a cooperative wait on the request's completion signal,
// not a poll; cancellation never leaks the waiting goroutine.
func (m *Manager) Await(ctx context.Context, id string) (*Request, error) {
	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tr.done:
	}

	tr.mu.Lock()
	snapshot := *tr.req
	tr.mu.Unlock()
	return &snapshot, nil
}

// Get returns a copy of the request.
func (m *Manager) Get(id string) (*Request, error) {
	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	snapshot := *tr.req
	tr.mu.Unlock()
	return &snapshot, nil
}

// Open returns copies of all non-terminal requests.
func (m *Manager) Open() []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []*Request
	for _, tr := range m.requests {
		tr.mu.Lock()
		if !tr.req.Status.Terminal() {
			snapshot := *tr.req
			open = append(open, &snapshot)
		}
		tr.mu.Unlock()
	}
	return open
}

// OpenIDs returns the IDs of all non-terminal requests, for the scheduler.
func (m *Manager) OpenIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, tr := range m.requests {
		tr.mu.Lock()
		if !tr.req.Status.Terminal() {
			ids = append(ids, id)
		}
		tr.mu.Unlock()
	}
	return ids
}

// Stats aggregates review outcomes across all requests.
func (m *Manager) Stats() *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		ByStatus: make(map[Status]int),
		ByGate:   make(map[string]int),
	}

	var resolved int
	var compliant int
	var totalResolution time.Duration

	for _, tr := range m.requests {
		tr.mu.Lock()
		req := tr.req
		stats.Total++
		stats.ByStatus[req.Status]++
		stats.ByGate[req.Gate]++
		stats.Escalations += req.Escalations

		if !req.ResolvedAt.IsZero() {
			resolved++
			d := req.ResolvedAt.Sub(req.CreatedAt)
			totalResolution += d
			if d <= req.SLA.Resolution {
				compliant++
			}
		}
		tr.mu.Unlock()
	}

	if resolved > 0 {
		stats.MeanResolution = totalResolution / time.Duration(resolved)
		stats.SLACompliantRate = float64(compliant) / float64(resolved)
	} else {
		stats.SLACompliantRate = 1.0
	}

	return stats
}

// Close marks the manager closed. Open requests stay readable for
// postmortem; new requests are rejected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Manager) get(id string) (*tracked, error) {
	m.mu.RLock()
	tr, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tr, nil
}
