package ethics

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/governd/internal/orchestrator"
)

func TestNewPort_ValidatesRules(t *testing.T) {
	tests := []struct {
		name    string
		rules   []Rule
		wantErr string
	}{
		{
			"valid rules",
			[]Rule{{ID: "provenance", RequiredKeys: []string{"source"}, Level: orchestrator.VerdictBlock}},
			"",
		},
		{
			"missing id",
			[]Rule{{RequiredKeys: []string{"source"}, Level: orchestrator.VerdictWarn}},
			"id is required",
		},
		{
			"unknown level",
			[]Rule{{ID: "r1", RequiredKeys: []string{"x"}, Level: "audit_only"}},
			"unknown enforcement level",
		},
		{
			"no checks",
			[]Rule{{ID: "r1", Level: orchestrator.VerdictLog}},
			"at least one check",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPort(tt.rules, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEvaluate_CleanStateLogs(t *testing.T) {
	port, err := NewPort([]Rule{
		{ID: "provenance", RequiredKeys: []string{"source"}, Level: orchestrator.VerdictBlock},
	}, nil)
	require.NoError(t, err)

	v, err := port.Evaluate(context.Background(), "analysis", orchestrator.StagePost,
		json.RawMessage(`{"source":"dataset-7","records":12}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictLog, v.Level)
}

func TestEvaluate_MissingRequiredKeyEnforcesLevel(t *testing.T) {
	port, err := NewPort([]Rule{
		{ID: "provenance", Category: "accountability", RequiredKeys: []string{"source"}, Level: orchestrator.VerdictBlock},
	}, nil)
	require.NoError(t, err)

	v, err := port.Evaluate(context.Background(), "analysis", orchestrator.StagePost,
		json.RawMessage(`{"records":12}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictBlock, v.Level)
	assert.Contains(t, v.Detail, "provenance")
	assert.Contains(t, v.Detail, `missing required key "source"`)
}

func TestEvaluate_ForbiddenMarker(t *testing.T) {
	port, err := NewPort([]Rule{
		{ID: "no-pii", Category: "privacy", ForbiddenMarkers: []string{"ssn:"}, Level: orchestrator.VerdictWarn},
	}, nil)
	require.NoError(t, err)

	v, err := port.Evaluate(context.Background(), "processing", orchestrator.StagePost,
		json.RawMessage(`{"note":"ssn:123-45-6789"}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictWarn, v.Level)
	assert.Contains(t, v.Detail, "no-pii")
}

func TestEvaluate_MostSevereLevelWins(t *testing.T) {
	port, err := NewPort([]Rule{
		{ID: "soft", ForbiddenMarkers: []string{"draft"}, Level: orchestrator.VerdictLog},
		{ID: "hard", ForbiddenMarkers: []string{"draft"}, Level: orchestrator.VerdictBlock},
		{ID: "mid", ForbiddenMarkers: []string{"draft"}, Level: orchestrator.VerdictWarn},
	}, nil)
	require.NoError(t, err)

	v, err := port.Evaluate(context.Background(), "review", orchestrator.StagePre,
		json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictBlock, v.Level)
}

func TestEvaluate_NonObjectStateFailsRequiredKeys(t *testing.T) {
	port, err := NewPort([]Rule{
		{ID: "provenance", RequiredKeys: []string{"source"}, Level: orchestrator.VerdictBlock},
	}, nil)
	require.NoError(t, err)

	v, err := port.Evaluate(context.Background(), "ingestion", orchestrator.StagePre,
		json.RawMessage(`"just a string"`))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.VerdictBlock, v.Level)
}
