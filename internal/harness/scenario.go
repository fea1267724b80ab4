package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/pipeline"
	"github.com/roach88/keysync/internal/row"
)

// Scenario defines one pipeline scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pipeline configures the pipeline under test.
	Pipeline PipelineSpec `yaml:"pipeline"`

	// Columns is the source table schema.
	Columns []row.Column `yaml:"columns"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`

	// RunID is the fixed run ID stamped on every report.
	// If empty, defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`
}

// PipelineSpec holds the pipeline settings a scenario may vary.
// Tables are always orders_raw and orders.
type PipelineSpec struct {
	KeyColumns     []string `yaml:"key_columns"`
	RecencyColumn  string   `yaml:"recency_column,omitempty"`
	ExcludeColumns []string `yaml:"exclude_columns,omitempty"`
	BatchSize      int      `yaml:"batch_size,omitempty"`
	CompareRecency bool     `yaml:"compare_recency,omitempty"`
	ChunkSize      int      `yaml:"chunk_size,omitempty"`
}

// Step is one scenario action.
type Step struct {
	// Append adds rows to the source.
	Append []map[string]any `yaml:"append,omitempty"`

	// ChangeType tags appended rows. Defaults to insert.
	ChangeType string `yaml:"change_type,omitempty"`

	// Purge removes every source row matching each key.
	Purge []map[string]any `yaml:"purge,omitempty"`

	// Run performs one pipeline run.
	Run bool `yaml:"run,omitempty"`

	// Reconcile performs a reconciliation pass only.
	Reconcile bool `yaml:"reconcile,omitempty"`

	// DryRun makes a reconcile step report without deleting.
	DryRun bool `yaml:"dry_run,omitempty"`

	// FailMerges makes the next upserts fail transiently.
	FailMerges int `yaml:"fail_merges,omitempty"`

	// ExpectError is the stage the step must fail in.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Where selects a target row by exact field match (target_row, target_absent).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (target_row). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected size (target_count, feed_count).
	Count *int `yaml:"count,omitempty"`

	// Position is the expected checkpoint (checkpoint).
	Position *int64 `yaml:"position,omitempty"`
}

// Assertion type constants.
const (
	AssertTargetCount  = "target_count"
	AssertTargetRow    = "target_row"
	AssertTargetAbsent = "target_absent"
	AssertFeedCount    = "feed_count"
	AssertCheckpoint   = "checkpoint"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Pipeline.KeyColumns) == 0 {
		return fmt.Errorf("pipeline.key_columns is required and must be non-empty")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("columns list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	actions := 0
	for _, set := range []bool{len(s.Append) > 0, len(s.Purge) > 0, s.Run, s.Reconcile} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of append, purge, run, reconcile is required", index)
	}

	if s.ChangeType != "" {
		if len(s.Append) == 0 {
			return fmt.Errorf("steps[%d]: change_type is only valid with append", index)
		}
		if _, err := cdc.ParseChangeType(s.ChangeType); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	}
	if s.DryRun && !s.Reconcile {
		return fmt.Errorf("steps[%d]: dry_run is only valid with reconcile", index)
	}
	if s.FailMerges < 0 || (s.FailMerges > 0 && !s.Run) {
		return fmt.Errorf("steps[%d]: fail_merges must be non-negative and accompany run", index)
	}
	if s.ExpectError != "" {
		if !s.Run && !s.Reconcile {
			return fmt.Errorf("steps[%d]: expect_error is only valid with run or reconcile", index)
		}
		if !validStage(s.ExpectError) {
			return fmt.Errorf("steps[%d]: unknown stage %q", index, s.ExpectError)
		}
	}
	return nil
}

func validStage(name string) bool {
	switch pipeline.Stage(name) {
	case pipeline.StageBootstrap, pipeline.StageIngest, pipeline.StageDedup,
		pipeline.StageMerge, pipeline.StageCheckpoint, pipeline.StageReconcile:
		return true
	}
	return false
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTargetCount, AssertFeedCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertTargetRow:
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for target_row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for target_row", index)
		}
	case AssertTargetAbsent:
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for target_absent", index)
		}
	case AssertCheckpoint:
		if a.Position == nil {
			return fmt.Errorf("assertions[%d]: position is required for checkpoint", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
