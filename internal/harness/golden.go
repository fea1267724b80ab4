package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/keysync/internal/row"
)

// Snapshot captures the final state of a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type Snapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON
// serialization, which only handles rows, values, and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	target := make([]any, len(s.Result.Target))
	for i, r := range s.Result.Target {
		target[i] = r
	}

	feed := make([]any, len(s.Result.Feed))
	for i, rec := range s.Result.Feed {
		feed[i] = map[string]any{
			"type":     string(rec.Type),
			"position": int64(rec.Position),
			"row":      rec.Row,
		}
	}

	return map[string]any{
		"scenario": s.ScenarioName,
		"target":   target,
		"feed":     feed,
		"position": int64(s.Result.Position),
	}
}

// RunWithGolden executes a scenario and compares its final state against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the state doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := SnapshotJSON(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

// SnapshotJSON renders the golden snapshot of a result as canonical JSON.
func SnapshotJSON(scenarioName string, result *Result) ([]byte, error) {
	snapshot := Snapshot{ScenarioName: scenarioName, Result: result}
	return row.MarshalCanonical(snapshot.toCanonicalMap())
}
