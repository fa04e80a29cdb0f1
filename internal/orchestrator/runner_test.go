package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/auditchain"
	"github.com/fyrsmithlabs/governd/internal/review"
	"github.com/fyrsmithlabs/governd/internal/snapshot"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type bodyFunc func(ctx context.Context, phase Phase, input json.RawMessage) (json.RawMessage, error)

func (f bodyFunc) Execute(ctx context.Context, phase Phase, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, phase, input)
}

// echoBody passes the input state through annotated with the phase name.
func echoBody() PhaseBody {
	return bodyFunc(func(_ context.Context, phase Phase, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"phase":%q,"input":%s}`, phase, string(input))), nil
	})
}

type portFunc func(ctx context.Context, phase Phase, stage Stage, state json.RawMessage) (Verdict, error)

func (f portFunc) Evaluate(ctx context.Context, phase Phase, stage Stage, state json.RawMessage) (Verdict, error) {
	return f(ctx, phase, stage, state)
}

type harness struct {
	chain   *auditchain.Chain
	store   *snapshot.Store
	reviews *review.Manager
	clock   *testClock
	runner  *Runner
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()

	chain, err := auditchain.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	store, err := snapshot.NewStore(t.TempDir(), chain, zap.NewNop())
	require.NoError(t, err)

	clock := newTestClock()
	reviews, err := review.NewManager(review.DefaultConfig(), chain, clock, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { reviews.Close() })

	runner, err := NewRunner(cfg, chain, store, reviews, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { runner.Close() })

	h := &harness{chain: chain, store: store, reviews: reviews, clock: clock, runner: runner}
	for _, p := range cfg.Phases {
		runner.RegisterBody(p, echoBody())
	}
	return h
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	entries, err := h.chain.ReadRange(context.Background(), 0, 0)
	require.NoError(t, err)
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

// openReview polls until the run under test blocks on its gate, as witnessed
// by the PHASE_BLOCKED audit entry. Waiting on the audit entry (not just the
// open request) keeps later event-order assertions deterministic.
func (h *harness) openReview(t *testing.T) *review.Request {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		blocked := false
		for _, et := range h.eventTypes(t) {
			if et == "PHASE_BLOCKED" {
				blocked = true
			}
		}
		if open := h.reviews.Open(); blocked && len(open) == 1 {
			return open[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no review request appeared")
	return nil
}

func threePhaseConfig(gated Phase) *Config {
	cfg := &Config{
		Phases:      []Phase{"ingestion", "processing", "finalization"},
		PortTimeout: time.Second,
	}
	if gated != "" {
		cfg.Gates = map[Phase]GateSpec{
			gated: {
				Name: "post_ingestion_gate",
				SLA:  &review.SLA{Response: time.Hour, Resolution: 4 * time.Hour},
			},
		}
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{"defaults", DefaultConfig(), ""},
		{"no phases", &Config{PortTimeout: time.Second}, "at least one phase"},
		{"duplicate", &Config{Phases: []Phase{"a", "a"}, PortTimeout: time.Second}, "duplicate phase"},
		{"unknown gate", &Config{
			Phases:      []Phase{"a"},
			Gates:       map[Phase]GateSpec{"b": {Name: "g"}},
			PortTimeout: time.Second,
		}, "unknown phase"},
		{"zero timeout", &Config{Phases: []Phase{"a"}}, "timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRun_UngatedPipelineCompletes(t *testing.T) {
	h := newHarness(t, threePhaseConfig(""))

	report, err := h.runner.Run(context.Background(), json.RawMessage(`{"doc":"a"}`))
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, Phase("finalization"), report.LastCompleted)
	assert.Empty(t, report.HaltedPhase)
	assert.Len(t, report.Snapshots, 3)

	run, err := h.runner.GetRun(report.RunID)
	require.NoError(t, err)
	for _, exec := range run.Phases {
		assert.Equal(t, ExecCompleted, exec.Status)
		assert.NotEmpty(t, exec.SnapshotID)
	}

	// RUN_STARTED + 3x(PHASE_STARTED, SNAPSHOT_CREATED, PHASE_COMPLETED)
	// + RUN_COMPLETED.
	assert.Equal(t, []string{
		"RUN_STARTED",
		"PHASE_STARTED", "SNAPSHOT_CREATED", "PHASE_COMPLETED",
		"PHASE_STARTED", "SNAPSHOT_CREATED", "PHASE_COMPLETED",
		"PHASE_STARTED", "SNAPSHOT_CREATED", "PHASE_COMPLETED",
		"RUN_COMPLETED",
	}, h.eventTypes(t))

	valid, broken, err := h.chain.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, -1, broken)
}

// A gate left without a response escalates through its single-level chain and
// times out; the gated phase fails closed and later phases never start.
func TestRun_GateTimeoutHaltsRun(t *testing.T) {
	cfg := threePhaseConfig("processing")

	chain, err := auditchain.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer chain.Close()
	store, err := snapshot.NewStore(t.TempDir(), chain, zap.NewNop())
	require.NoError(t, err)

	clock := newTestClock()
	reviews, err := review.NewManager(&review.Config{
		DefaultSLA:      review.SLA{Response: time.Hour, Resolution: 4 * time.Hour},
		EscalationChain: []string{"L1", "L2"},
	}, chain, clock, zap.NewNop())
	require.NoError(t, err)
	defer reviews.Close()

	runner, err := NewRunner(cfg, chain, store, reviews, zap.NewNop())
	require.NoError(t, err)
	defer runner.Close()
	for _, p := range cfg.Phases {
		runner.RegisterBody(p, echoBody())
	}
	h := &harness{chain: chain, store: store, reviews: reviews, clock: clock, runner: runner}

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := runner.Run(context.Background(), json.RawMessage(`{"doc":"a"}`))
		done <- result{report, err}
	}()

	req := h.openReview(t)

	// No response within 4 hours: one escalation.
	clock.Advance(5 * time.Hour)
	escalated, err := reviews.CheckSLA(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusEscalated, escalated.Status)
	assert.Equal(t, 1, escalated.Escalations)

	// No response within the next 4 hours: timed out, fail closed.
	clock.Advance(5 * time.Hour)
	timedOut, err := reviews.CheckSLA(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusTimedOut, timedOut.Status)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not halt after gate timeout")
	}

	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ErrGateRejected)
	assert.Equal(t, RunHalted, res.report.Status)
	assert.Equal(t, Phase("ingestion"), res.report.LastCompleted)
	assert.Equal(t, Phase("processing"), res.report.HaltedPhase)
	assert.Contains(t, res.report.Reason, "timed_out")

	run, err := runner.GetRun(res.report.RunID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, run.Phases[0].Status)
	assert.Equal(t, ExecFailed, run.Phases[1].Status)
	// The final phase never starts.
	assert.Equal(t, ExecPending, run.Phases[2].Status)

	// Exactly two audit entries follow the gate creation before the halt:
	// escalation and timeout.
	types := h.eventTypes(t)
	gateIdx := -1
	for i, et := range types {
		if et == "HRG_REVIEW_REQUESTED" {
			gateIdx = i
		}
	}
	require.GreaterOrEqual(t, gateIdx, 0)
	assert.Equal(t, []string{
		"PHASE_BLOCKED", "HRG_ESCALATED", "HRG_TIMED_OUT", "PHASE_FAILED", "RUN_HALTED",
	}, types[gateIdx+1:])
}

// An approval at hour 2 resumes the gated phase; the run completes and the
// chain verifies end to end.
func TestRun_GateApprovedResumesAndCompletes(t *testing.T) {
	h := newHarness(t, threePhaseConfig("processing"))

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := h.runner.Run(context.Background(), json.RawMessage(`{"doc":"a"}`))
		done <- result{report, err}
	}()

	req := h.openReview(t)

	h.clock.Advance(2 * time.Hour)
	_, err := h.reviews.Start(context.Background(), req.ID, "alice")
	require.NoError(t, err)
	_, err = h.reviews.Complete(context.Background(), req.ID, review.DecisionApproved, "looks fine")
	require.NoError(t, err)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resume after approval")
	}
	require.NoError(t, res.err)
	assert.Equal(t, RunCompleted, res.report.Status)
	assert.Len(t, res.report.Snapshots, 3)

	run, err := h.runner.GetRun(res.report.RunID)
	require.NoError(t, err)
	for _, exec := range run.Phases {
		assert.Equal(t, ExecCompleted, exec.Status)
	}
	assert.NotEmpty(t, run.Phases[1].ReviewID)

	assert.Equal(t, []string{
		"RUN_STARTED",
		"PHASE_STARTED", "SNAPSHOT_CREATED", "PHASE_COMPLETED",
		"PHASE_STARTED", "HRG_REVIEW_REQUESTED", "PHASE_BLOCKED",
		"HRG_REVIEW_STARTED", "HRG_REVIEW_COMPLETED", "PHASE_RESUMED",
		"SNAPSHOT_CREATED", "PHASE_COMPLETED",
		"PHASE_STARTED", "SNAPSHOT_CREATED", "PHASE_COMPLETED",
		"RUN_COMPLETED",
	}, h.eventTypes(t))

	valid, _, err := h.chain.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestRun_GateRejectedFailsPhase(t *testing.T) {
	h := newHarness(t, threePhaseConfig("processing"))

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
		done <- err
	}()

	req := h.openReview(t)
	_, err := h.reviews.Start(context.Background(), req.ID, "bob")
	require.NoError(t, err)
	_, err = h.reviews.Complete(context.Background(), req.ID, review.DecisionRejected, "unsafe output")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrGateRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not halt after rejection")
	}
}

// A Block verdict at either stage keeps the phase from ever completing,
// regardless of phase-body success.
func TestRun_BlockVerdictSupremacy(t *testing.T) {
	for _, stage := range []Stage{StagePre, StagePost} {
		t.Run(string(stage), func(t *testing.T) {
			h := newHarness(t, threePhaseConfig(""))

			bodyRan := false
			h.runner.RegisterBody("processing", bodyFunc(func(_ context.Context, _ Phase, input json.RawMessage) (json.RawMessage, error) {
				bodyRan = true
				return input, nil
			}))
			h.runner.RegisterPort(PortBinding{
				Name: "ethics",
				Port: portFunc(func(_ context.Context, phase Phase, s Stage, _ json.RawMessage) (Verdict, error) {
					if phase == "processing" && s == stage {
						return Verdict{Level: VerdictBlock, Detail: "rule violated"}, nil
					}
					return Verdict{Level: VerdictLog}, nil
				}),
			})

			report, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrVerdictBlocked)
			assert.Equal(t, RunHalted, report.Status)
			assert.Equal(t, Phase("processing"), report.HaltedPhase)
			assert.Equal(t, stage == StagePost, bodyRan)

			run, gerr := h.runner.GetRun(report.RunID)
			require.NoError(t, gerr)
			assert.Equal(t, ExecFailed, run.Phases[1].Status)
		})
	}
}

func TestRun_UnknownVerdictLevelFailsClosed(t *testing.T) {
	h := newHarness(t, threePhaseConfig(""))
	h.runner.RegisterPort(PortBinding{
		Name: "drifting",
		Port: portFunc(func(_ context.Context, _ Phase, _ Stage, _ json.RawMessage) (Verdict, error) {
			return Verdict{Level: "audit_only"}, nil
		}),
	})

	_, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerdictBlocked)
	assert.Contains(t, err.Error(), "unknown level")
}

func TestRun_PortTimeoutBlocksUnlessFailOpen(t *testing.T) {
	hang := portFunc(func(ctx context.Context, _ Phase, _ Stage, _ json.RawMessage) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	})

	t.Run("fail closed", func(t *testing.T) {
		h := newHarness(t, &Config{Phases: []Phase{"ingestion"}, PortTimeout: 20 * time.Millisecond})
		h.runner.RegisterBody("ingestion", echoBody())
		h.runner.RegisterPort(PortBinding{Name: "slow", Port: hang})

		_, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrVerdictTimeout)
	})

	t.Run("fail open", func(t *testing.T) {
		h := newHarness(t, &Config{Phases: []Phase{"ingestion"}, PortTimeout: 20 * time.Millisecond})
		h.runner.RegisterBody("ingestion", echoBody())
		h.runner.RegisterPort(PortBinding{Name: "slow", Port: hang, FailOpen: true})

		report, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, RunCompleted, report.Status)

		found := false
		for _, et := range h.eventTypes(t) {
			if et == "VERDICT_FAIL_OPEN" {
				found = true
			}
		}
		assert.True(t, found, "fail-open choice must be audited")
	})
}

// Port registration must stay safe while a run is evaluating verdicts. Ports
// bound mid-run apply to later evaluations; the race detector catches any
// unsynchronized access to the binding list.
func TestRegisterPort_ConcurrentWithRun(t *testing.T) {
	h := newHarness(t, threePhaseConfig(""))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			h.runner.RegisterPort(PortBinding{
				Name: fmt.Sprintf("observer-%d", i),
				Port: portFunc(func(_ context.Context, _ Phase, _ Stage, _ json.RawMessage) (Verdict, error) {
					return Verdict{Level: VerdictLog}, nil
				}),
			})
		}
	}()

	report, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
	<-done
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, report.Status)
}

func TestRun_WarnVerdictContinues(t *testing.T) {
	h := newHarness(t, threePhaseConfig(""))
	h.runner.RegisterPort(PortBinding{
		Name: "resources",
		Port: portFunc(func(_ context.Context, _ Phase, _ Stage, _ json.RawMessage) (Verdict, error) {
			return Verdict{Level: VerdictWarn, Detail: "utilization low"}, nil
		}),
	})

	report, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, report.Status)

	warnings := 0
	for _, et := range h.eventTypes(t) {
		if et == "VERDICT_WARNING" {
			warnings++
		}
	}
	// One per stage per phase.
	assert.Equal(t, 6, warnings)
}

func TestRun_BodyPanicRecordedAsFailure(t *testing.T) {
	h := newHarness(t, threePhaseConfig(""))
	h.runner.RegisterBody("processing", bodyFunc(func(_ context.Context, _ Phase, _ json.RawMessage) (json.RawMessage, error) {
		panic("corrupt input state")
	}))

	report, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, RunHalted, report.Status)

	run, gerr := h.runner.GetRun(report.RunID)
	require.NoError(t, gerr)
	assert.Equal(t, ExecFailed, run.Phases[1].Status)
	assert.Contains(t, run.Phases[1].Error, "corrupt input state")
}

func TestRun_SkipOnFailurePolicyContinues(t *testing.T) {
	cfg := threePhaseConfig("")
	cfg.SkipOnFailure = map[Phase]bool{"processing": true}
	h := newHarness(t, cfg)

	h.runner.RegisterBody("processing", bodyFunc(func(_ context.Context, _ Phase, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("transient upstream outage")
	}))

	report, err := h.runner.Run(context.Background(), json.RawMessage(`{"doc":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, report.Status)

	run, gerr := h.runner.GetRun(report.RunID)
	require.NoError(t, gerr)
	assert.Equal(t, ExecSkipped, run.Phases[1].Status)
	assert.Equal(t, ExecCompleted, run.Phases[2].Status)
}

func TestRun_MissingBodyFailsPhase(t *testing.T) {
	cfg := &Config{Phases: []Phase{"ingestion"}, PortTimeout: time.Second}
	h := newHarness(t, cfg)
	h.runner.bodies = map[Phase]PhaseBody{}

	_, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no body registered")
}

func TestRun_CancellationAbortsGateWait(t *testing.T) {
	h := newHarness(t, threePhaseConfig("processing"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(ctx, json.RawMessage(`{}`))
		done <- err
	}()

	h.openReview(t)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run leaked its gate wait")
	}
}

func TestClose_RejectsNewRuns(t *testing.T) {
	h := newHarness(t, threePhaseConfig(""))
	require.NoError(t, h.runner.Close())

	_, err := h.runner.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
