package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/pipeline"
	"github.com/roach88/keysync/internal/row"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, s.Name, "scenario name must match its file name")

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/latest_wins.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.Equal(t, first.Target, second.Target)
	assert.Equal(t, first.Feed, second.Feed)
	require.Len(t, first.Reports, 1)
	assert.Equal(t, first.Reports[0].StartedAt, second.Reports[0].StartedAt)
	assert.Equal(t, "test-run-default", first.Reports[0].RunID)
}

func TestRun_RunIDFromScenario(t *testing.T) {
	s := ordersScenario(Step{Run: true})
	s.RunID = "fixed-run"

	result, err := Run(s)
	require.NoError(t, err)
	require.Len(t, result.Reports, 1)
	assert.Equal(t, "fixed-run", result.Reports[0].RunID)
}

func TestRun_TransientFailuresCountedAsRetries(t *testing.T) {
	s := ordersScenario(
		Step{Append: []map[string]any{{"region": "R1", "order_id": "O1", "ingested_at": "t1"}}},
		Step{Run: true, FailMerges: 2},
	)

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, 2, result.Reports[0].Ingest.Retries)
}

func TestRun_RetriesExhaustedFailsMergeStage(t *testing.T) {
	s := ordersScenario(
		Step{Append: []map[string]any{{"region": "R1", "order_id": "O1", "ingested_at": "t1"}}},
		Step{Run: true, FailMerges: maxRetries + 1, ExpectError: string(pipeline.StageMerge)},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, cdc.Position(0), result.Position)
	assert.Empty(t, result.Target)
}

func TestRun_UnexpectedFailureReported(t *testing.T) {
	s := ordersScenario(
		Step{Append: []map[string]any{{"region": "R1", "order_id": "O1", "ingested_at": nil}}},
		Step{Run: true},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "steps[1]")
}

func TestRun_WrongStageReported(t *testing.T) {
	s := ordersScenario(
		Step{Append: []map[string]any{{"region": "R1", "order_id": "O1", "ingested_at": nil}}},
		Step{Run: true, ExpectError: string(pipeline.StageMerge)},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "got dedup failure")
}

func TestRun_ExpectedFailureDidNotHappen(t *testing.T) {
	s := ordersScenario(Step{Run: true, ExpectError: string(pipeline.StageBootstrap)})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "got success")
}

func TestRun_ChangeTypeUpdateNotIngested(t *testing.T) {
	s := ordersScenario(
		Step{
			Append:     []map[string]any{{"region": "R1", "order_id": "O1", "ingested_at": "t1"}},
			ChangeType: string(cdc.UpdatePostimage),
		},
		Step{Run: true},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Target)
	assert.Equal(t, cdc.Position(1), result.Position)
}

func TestRun_InvalidPipeline(t *testing.T) {
	s := ordersScenario(Step{Run: true})
	s.Pipeline.ExcludeColumns = []string{"region"}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pipeline")
}

func TestRun_UnknownColumnFailsStep(t *testing.T) {
	s := ordersScenario(Step{Append: []map[string]any{{"region": "R1", "order_id": "O1", "color": "red"}}})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "unknown column")
}

func TestRun_AssertionFailuresCollected(t *testing.T) {
	s := ordersScenario(
		Step{Append: []map[string]any{{"region": "R1", "order_id": "O1", "ingested_at": "t1"}}},
		Step{Run: true},
	)
	five := 5
	s.Assertions = []Assertion{
		{Type: AssertTargetCount, Count: &five},
		{Type: AssertTargetAbsent, Where: map[string]any{"region": "R1"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[1], "assertions[1]")
	assert.Equal(t, []row.Row{{
		"region":      row.String("R1"),
		"order_id":    row.String("O1"),
		"ingested_at": row.String("t1"),
	}}, result.Target)
}

// ordersScenario builds an inline scenario over (region, order_id, ingested_at)
// with no assertions. Run does not require them.
func ordersScenario(steps ...Step) *Scenario {
	return &Scenario{
		Name:        "orders",
		Description: "inline",
		Pipeline:    PipelineSpec{KeyColumns: []string{"region", "order_id"}},
		Columns: []row.Column{
			{Name: "region", Type: row.TypeText},
			{Name: "order_id", Type: row.TypeText},
			{Name: "ingested_at", Type: row.TypeText},
		},
		Steps: steps,
	}
}
