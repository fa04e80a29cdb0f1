package resources

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/governd/internal/orchestrator"
)

func fixedUsage(amount float64) UsageFunc {
	return func(_ orchestrator.Phase, _ Budget, _ json.RawMessage) float64 {
		return amount
	}
}

func newTestPort(t *testing.T, enforce bool, usage UsageFunc) *Port {
	t.Helper()

	tracker, err := NewTracker(nil, nil)
	require.NoError(t, err)

	port, err := NewPort(&PortConfig{
		Budgets: map[orchestrator.Phase][]Budget{
			"processing": {
				{Type: TypeCompute, Amount: 100, Unit: "cores", Priority: 10},
			},
		},
		Enforce: enforce,
	}, tracker, usage, nil)
	require.NoError(t, err)
	return port
}

func TestPort_RequiresTracker(t *testing.T) {
	_, err := NewPort(nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracker is required")
}

func TestPort_UnbudgetedPhasePassesThrough(t *testing.T) {
	port := newTestPort(t, true, fixedUsage(0))
	ctx := context.Background()

	for _, stage := range []orchestrator.Stage{orchestrator.StagePre, orchestrator.StagePost} {
		v, err := port.Evaluate(ctx, "ingestion", stage, nil)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.VerdictLog, v.Level)
	}
}

func TestPort_CompliantPhaseLogs(t *testing.T) {
	// Full consumption of the budget: no waste.
	port := newTestPort(t, true, fixedUsage(100))
	ctx := context.Background()

	pre, err := port.Evaluate(ctx, "processing", orchestrator.StagePre, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictLog, pre.Level)

	post, err := port.Evaluate(ctx, "processing", orchestrator.StagePost, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictLog, post.Level)
}

func TestPort_WasteBreachBlocksWhenEnforced(t *testing.T) {
	// 10% consumption of a 100-core budget breaches the 15% compute
	// threshold by a wide margin.
	port := newTestPort(t, true, fixedUsage(10))
	ctx := context.Background()

	_, err := port.Evaluate(ctx, "processing", orchestrator.StagePre, nil)
	require.NoError(t, err)

	v, err := port.Evaluate(ctx, "processing", orchestrator.StagePost, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictBlock, v.Level)
	assert.Contains(t, v.Detail, "compute")
}

func TestPort_WasteBreachWarnsWhenNotEnforced(t *testing.T) {
	port := newTestPort(t, false, fixedUsage(10))
	ctx := context.Background()

	_, err := port.Evaluate(ctx, "processing", orchestrator.StagePre, nil)
	require.NoError(t, err)

	v, err := port.Evaluate(ctx, "processing", orchestrator.StagePost, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictWarn, v.Level)
}

func TestPort_AbandonedAllocationsReleasedOnNextRun(t *testing.T) {
	tracker, err := NewTracker(nil, nil)
	require.NoError(t, err)

	port, err := NewPort(&PortConfig{
		Budgets: map[orchestrator.Phase][]Budget{
			"processing": {
				{Type: TypeCompute, Amount: 100, Unit: "cores", Priority: 10},
			},
		},
	}, tracker, fixedUsage(100), nil)
	require.NoError(t, err)
	ctx := context.Background()

	// First attempt allocates but the phase fails before the post stage.
	_, err = port.Evaluate(ctx, "processing", orchestrator.StagePre, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.Allocations())

	// The retry's pre stage drops the abandoned allocation before
	// granting its own.
	_, err = port.Evaluate(ctx, "processing", orchestrator.StagePre, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.Allocations())

	post, err := port.Evaluate(ctx, "processing", orchestrator.StagePost, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictLog, post.Level)
	assert.Equal(t, 1, tracker.Stats(TypeCompute, "processing").Count)
}

func TestPort_UnknownStageErrors(t *testing.T) {
	port := newTestPort(t, false, nil)

	_, err := port.Evaluate(context.Background(), "processing", "mid", nil)
	assert.Error(t, err)
}
