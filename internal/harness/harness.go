package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/config"
	"github.com/roach88/keysync/internal/merge"
	"github.com/roach88/keysync/internal/pipeline"
	"github.com/roach88/keysync/internal/row"
	"github.com/roach88/keysync/internal/store"
	"github.com/roach88/keysync/internal/testutil"
)

// Table names every scenario syncs between.
const (
	SourceTable = "orders_raw"
	TargetTable = "orders"
)

// maxRetries bounds transient merge retries within one run.
const maxRetries = 3

// Run executes a scenario against a fresh in-memory store.
//
// Run and reconcile steps use a fixed run ID, a stepping clock, and a
// zero-wait retry policy, so identical scenarios produce identical results.
// A returned error means the scenario could not be executed at all; step and
// assertion failures are reported in Result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := st.CreateSource(ctx, SourceTable, scenario.Columns); err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	cfg := scenarioPipeline(scenario)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	target := &flakyTarget{Store: st}
	runner, err := pipeline.New(cfg, target, st,
		pipeline.WithRunIDs(testutil.NewFixedRunID(scenario.RunID)),
		pipeline.WithClock(testutil.NewStepClock(testutil.Epoch, time.Millisecond)),
		pipeline.WithBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := runStep(ctx, st, target, runner, cfg, step, result); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}
	}

	if err := collect(ctx, st, cfg, result); err != nil {
		return nil, err
	}

	for i, a := range scenario.Assertions {
		if err := checkAssertion(a, result); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

// scenarioPipeline builds the pipeline configuration for a scenario.
func scenarioPipeline(s *Scenario) *config.Pipeline {
	cfg := &config.Pipeline{
		Name:           s.Name,
		Database:       ":memory:",
		Source:         SourceTable,
		Target:         TargetTable,
		KeyColumns:     s.Pipeline.KeyColumns,
		RecencyColumn:  s.Pipeline.RecencyColumn,
		ExcludeColumns: s.Pipeline.ExcludeColumns,
		BatchSize:      s.Pipeline.BatchSize,
		CompareRecency: s.Pipeline.CompareRecency,
	}
	cfg.Reconcile.ChunkSize = s.Pipeline.ChunkSize
	cfg.ApplyDefaults()
	return cfg
}

func runStep(ctx context.Context, st *store.Store, target *flakyTarget, runner *pipeline.Runner, cfg *config.Pipeline, step Step, result *Result) error {
	switch {
	case len(step.Append) > 0:
		changeType := cdc.Insert
		if step.ChangeType != "" {
			changeType = cdc.ChangeType(step.ChangeType)
		}
		rows, err := toRows(step.Append)
		if err != nil {
			return err
		}
		_, err = st.Append(ctx, SourceTable, changeType, rows...)
		return err

	case len(step.Purge) > 0:
		keys, err := toRows(step.Purge)
		if err != nil {
			return err
		}
		_, err = st.Purge(ctx, SourceTable, cfg.KeyColumns, keys)
		return err

	case step.Run:
		target.failNext(step.FailMerges)
		report, err := runner.Run(ctx)
		target.failNext(0)
		result.Reports = append(result.Reports, report)
		return expectStage(step.ExpectError, err)

	case step.Reconcile:
		report, err := runner.Reconcile(ctx, step.DryRun)
		result.Reports = append(result.Reports, report)
		return expectStage(step.ExpectError, err)
	}
	return fmt.Errorf("step has no action")
}

// expectStage checks err against the expected failing stage.
func expectStage(want string, err error) error {
	if want == "" {
		return err
	}
	if err == nil {
		return fmt.Errorf("expected %s failure, got success", want)
	}
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) {
		return fmt.Errorf("expected %s failure, got %v", want, err)
	}
	if string(stageErr.Stage) != want {
		return fmt.Errorf("expected %s failure, got %s failure: %v", want, stageErr.Stage, err)
	}
	return nil
}

func toRows(maps []map[string]any) ([]row.Row, error) {
	rows := make([]row.Row, 0, len(maps))
	for i, m := range maps {
		r, err := row.FromMap(m)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// collect reads the final target, its change feed, and the checkpoint.
func collect(ctx context.Context, st *store.Store, cfg *config.Pipeline, result *Result) error {
	exists, err := st.TableExists(ctx, TargetTable)
	if err != nil {
		return fmt.Errorf("failed to check target: %w", err)
	}
	if exists {
		if result.Target, err = st.ReadTarget(ctx, TargetTable, cfg.KeyColumns); err != nil {
			return fmt.Errorf("failed to read target: %w", err)
		}
		if result.Feed, err = st.TargetChanges(ctx, TargetTable, 0); err != nil {
			return fmt.Errorf("failed to read target feed: %w", err)
		}
	}

	pos, _, err := st.Load(ctx, cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	result.Position = pos
	return nil
}

// flakyTarget fails a set number of upserts with a transient error
// before passing writes through to the store.
type flakyTarget struct {
	*store.Store

	mu    sync.Mutex
	fails int
}

func (f *flakyTarget) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = n
}

func (f *flakyTarget) Upsert(ctx context.Context, table string, keyColumns []string, rows []row.Row, opts merge.UpsertOptions) (int, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return 0, errors.New("injected transient upsert failure")
	}
	f.mu.Unlock()
	return f.Store.Upsert(ctx, table, keyColumns, rows, opts)
}
