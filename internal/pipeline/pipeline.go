// Package pipeline runs one bounded sync of a source change log into a keyed
// target: bootstrap, drain (dedup then merge per batch), then reconcile.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/keysync/internal/bootstrap"
	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/checkpoint"
	"github.com/roach88/keysync/internal/config"
	"github.com/roach88/keysync/internal/dedup"
	"github.com/roach88/keysync/internal/ingest"
	"github.com/roach88/keysync/internal/key"
	"github.com/roach88/keysync/internal/merge"
	"github.com/roach88/keysync/internal/metrics"
	"github.com/roach88/keysync/internal/reconcile"
	"github.com/roach88/keysync/internal/store"
)

// Store is the storage engine a pipeline reads and writes.
type Store interface {
	bootstrap.SchemaSource
	bootstrap.TableCreator
	ingest.ChangeSource
	merge.Target
	reconcile.SnapshotSource
	reconcile.KeyTarget

	// Count returns the number of rows in table.
	Count(ctx context.Context, table string) (int, error)
	// Tables lists the tables the store manages.
	Tables(ctx context.Context) ([]store.TableInfo, error)
}

// Runner executes runs of one configured pipeline.
//
// Only one run per target may execute at a time; the caller serializes runs.
type Runner struct {
	cfg         *config.Pipeline
	store       Store
	checkpoints checkpoint.Store
	model       key.Model
	dedup       *dedup.Deduplicator

	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      Clock
	runIDs     RunIDGenerator
	newBackOff func() backoff.BackOff
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Components log through it with the run ID attached.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock sets the clock used for report timestamps and stage timings.
func WithClock(c Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithRunIDs sets the run ID generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(r *Runner) { r.runIDs = g }
}

// WithBackOff overrides the merge retry policy from the configuration.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(r *Runner) { r.newBackOff = f }
}

// New creates a Runner for cfg. cfg must have defaults applied and be valid.
func New(cfg *config.Pipeline, store Store, checkpoints checkpoint.Store, opts ...Option) (*Runner, error) {
	model, err := key.NewModel(cfg.KeyColumns...)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.Name, err)
	}

	r := &Runner{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		model:       model,
		dedup:       dedup.New(model, cfg.RecencyColumn),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:       SystemClock{},
		runIDs:      UUIDv7Generator{},
		newBackOff:  merge.DefaultBackOff(cfg.Retry.InitialInterval.Std(), cfg.Retry.MaxElapsed.Std()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Report summarizes a run. Sections are nil for stages that did not run.
type Report struct {
	RunID      string           `json:"run_id"`
	Pipeline   string           `json:"pipeline"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Bootstrap  *BootstrapReport `json:"bootstrap,omitempty"`
	Ingest     *IngestReport    `json:"ingest,omitempty"`
	Reconcile  *ReconcileReport `json:"reconcile,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// BootstrapReport describes the bootstrap stage.
type BootstrapReport struct {
	Created bool `json:"created"`
}

// IngestReport describes the drained batches.
type IngestReport struct {
	From    cdc.Position `json:"from"`
	To      cdc.Position `json:"to"`
	Batches int          `json:"batches"`
	Read    int          `json:"read"`
	Inserts int          `json:"inserts"`
	Keys    int          `json:"keys"`
	Written int          `json:"written"`
	Retries int          `json:"retries"`
}

// ReconcileReport describes the reconciliation pass.
// Orphans holds canonical key encodings in key order.
type ReconcileReport struct {
	SourceKeys int      `json:"source_keys"`
	TargetKeys int      `json:"target_keys"`
	Orphans    []string `json:"orphans"`
	Deleted    int      `json:"deleted"`
	DryRun     bool     `json:"dry_run,omitempty"`
}

// run carries per-run state.
type run struct {
	id       string
	logger   *slog.Logger
	report   *Report
	position cdc.Position
}

func (r *Runner) begin() *run {
	id := r.runIDs.Generate()
	return &run{
		id:     id,
		logger: r.logger.With("run_id", id, "pipeline", r.cfg.Name),
		report: &Report{RunID: id, Pipeline: r.cfg.Name, StartedAt: r.clock.Now()},
	}
}

func (r *Runner) finish(rn *run, err error) {
	rn.report.FinishedAt = r.clock.Now()
	r.metrics.Run(r.cfg.Name, err)
	if err != nil {
		rn.report.Error = err.Error()
		var se *StageError
		if errors.As(err, &se) {
			r.metrics.Failure(r.cfg.Name, string(se.Stage))
		}
		rn.logger.Error("run failed", "error", err, "duration", rn.report.Duration())
		return
	}
	rn.logger.Info("run complete", "duration", rn.report.Duration())
}

// Run performs one bounded invocation: bootstrap the target, drain every
// change pending at start, then reconcile deletions. The report is returned
// even when the run fails; failures are *StageError.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rn := r.begin()
	rn.logger.Info("run started", "source", r.cfg.Source, "target", r.cfg.Target)

	err := r.bootstrap(ctx, rn)
	if err == nil {
		err = r.ingest(ctx, rn)
	}
	if err == nil {
		err = r.reconcile(ctx, rn, false)
	}

	r.finish(rn, err)
	return rn.report, err
}

// Bootstrap only ensures the target exists.
func (r *Runner) Bootstrap(ctx context.Context) (*Report, error) {
	rn := r.begin()
	err := r.bootstrap(ctx, rn)
	r.finish(rn, err)
	return rn.report, err
}

// Reconcile only runs a reconciliation pass. With dryRun, orphans are
// reported but not deleted.
func (r *Runner) Reconcile(ctx context.Context, dryRun bool) (*Report, error) {
	rn := r.begin()
	pos, _, err := r.checkpoints.Load(ctx, r.cfg.Name)
	if err != nil {
		err = &StageError{Stage: StageCheckpoint, RunID: rn.id, Err: err}
	} else {
		rn.position = pos
		err = r.reconcile(ctx, rn, dryRun)
	}
	r.finish(rn, err)
	return rn.report, err
}

func (r *Runner) bootstrap(ctx context.Context, rn *run) error {
	defer r.timed(StageBootstrap)()

	b := bootstrap.New(r.store, r.store, bootstrap.Config{
		Source:         r.cfg.Source,
		Target:         r.cfg.Target,
		KeyColumns:     r.cfg.KeyColumns,
		RecencyColumn:  r.cfg.RecencyColumn,
		CompareRecency: r.cfg.CompareRecency,
		ExcludeColumns: r.cfg.ExcludeColumns,
	}, bootstrap.WithLogger(rn.logger))

	created, err := b.Ensure(ctx)
	if err != nil {
		return &StageError{Stage: StageBootstrap, RunID: rn.id, Err: err}
	}
	rn.report.Bootstrap = &BootstrapReport{Created: created}
	return nil
}

func (r *Runner) ingest(ctx context.Context, rn *run) error {
	defer r.timed(StageIngest)()

	mopts := []merge.Option{merge.WithBackOff(r.newBackOff), merge.WithLogger(rn.logger)}
	if r.cfg.CompareRecency {
		mopts = append(mopts, merge.WithRecencyGuard(r.cfg.RecencyColumn))
	}
	applier := merge.New(r.store, r.cfg.Target, r.model, mopts...)

	ing := ingest.New(r.store, r.checkpoints, ingest.Config{
		Pipeline:  r.cfg.Name,
		Table:     r.cfg.Source,
		BatchSize: r.cfg.BatchSize,
	}, ingest.WithLogger(rn.logger))

	rep := &IngestReport{}
	var failed Stage
	handle := func(ctx context.Context, batch cdc.Batch) error {
		dedupStart := r.clock.Now()
		latest, err := r.dedup.Latest(batch.Records)
		if err != nil {
			failed = StageDedup
			return err
		}
		r.metrics.Stage(r.cfg.Name, string(StageDedup), r.clock.Now().Sub(dedupStart))

		mergeStart := r.clock.Now()
		res, err := applier.Apply(ctx, latest)
		if err != nil {
			failed = StageMerge
			return err
		}
		r.metrics.Stage(r.cfg.Name, string(StageMerge), r.clock.Now().Sub(mergeStart))
		r.metrics.Merge(r.cfg.Name, res.Written, res.Retries())

		rep.Keys += res.Keys
		rep.Written += res.Written
		rep.Retries += res.Retries()

		rn.logger.Info("batch merged",
			"from", batch.From,
			"to", batch.To,
			"records", len(batch.Records),
			"keys", res.Keys,
			"written", res.Written,
			"attempts", res.Attempts)
		return nil
	}

	stats, err := ing.Drain(ctx, handle)
	rep.From, rep.To = stats.From, stats.To
	rep.Batches, rep.Read, rep.Inserts = stats.Batches, stats.Read, stats.Inserts
	rn.report.Ingest = rep
	rn.position = stats.To

	r.metrics.Batch(r.cfg.Name, stats.Read, stats.Inserts, rep.Keys)
	if stats.Batches > 0 {
		r.metrics.Position(r.cfg.Name, int64(stats.To))
	}

	if err != nil {
		stage := failed
		switch {
		case ingest.IsCheckpoint(err):
			stage = StageCheckpoint
		case stage == "":
			stage = StageIngest
		}
		return &StageError{Stage: stage, RunID: rn.id, Position: stats.To, Err: err}
	}

	rn.logger.Info("ingest drained",
		"from", stats.From,
		"to", stats.To,
		"batches", stats.Batches,
		"inserts", stats.Inserts,
		"written", rep.Written)
	return nil
}

func (r *Runner) reconcile(ctx context.Context, rn *run, dryRun bool) error {
	defer r.timed(StageReconcile)()

	opts := []reconcile.Option{reconcile.WithLogger(rn.logger)}
	if dryRun {
		opts = append(opts, reconcile.WithDryRun())
	}
	rec := reconcile.New(r.store, r.store, r.dedup, r.model, reconcile.Config{
		Source:    r.cfg.Source,
		Target:    r.cfg.Target,
		ChunkSize: r.cfg.Reconcile.ChunkSize,
	}, opts...)

	res, err := rec.Reconcile(ctx)
	r.metrics.Orphans(r.cfg.Name, res.Deleted)

	orphans := make([]string, len(res.Orphans))
	for i, k := range res.Orphans {
		orphans[i] = k.String()
	}
	rn.report.Reconcile = &ReconcileReport{
		SourceKeys: res.SourceKeys,
		TargetKeys: res.TargetKeys,
		Orphans:    orphans,
		Deleted:    res.Deleted,
		DryRun:     dryRun,
	}

	if err != nil {
		stage := StageReconcile
		if dedup.IsDataQuality(err) {
			stage = StageDedup
		}
		return &StageError{Stage: stage, RunID: rn.id, Position: rn.position, Err: err}
	}

	rn.logger.Info("reconciled",
		"source_keys", res.SourceKeys,
		"target_keys", res.TargetKeys,
		"orphans", len(res.Orphans),
		"deleted", res.Deleted,
		"dry_run", dryRun)
	return nil
}

// timed returns a func recording the elapsed time of stage.
func (r *Runner) timed(stage Stage) func() {
	start := r.clock.Now()
	return func() {
		r.metrics.Stage(r.cfg.Name, string(stage), r.clock.Now().Sub(start))
	}
}

// Status describes how far a pipeline has progressed.
type Status struct {
	Pipeline     string       `json:"pipeline"`
	Position     cdc.Position `json:"position"`
	Head         cdc.Position `json:"head"`
	Pending      int64        `json:"pending_positions"`
	TargetExists bool         `json:"target_exists"`
	TargetRows   int          `json:"target_rows"`

	// KeyDigest is a digest of the target key set. Two targets with equal
	// digests hold the same keys.
	KeyDigest string            `json:"key_digest,omitempty"`
	Tables    []store.TableInfo `json:"tables"`
}

// Status reads the checkpoint, the source head, the target row count and key
// digest, and the managed tables.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	ing := ingest.New(r.store, r.checkpoints, ingest.Config{Pipeline: r.cfg.Name, Table: r.cfg.Source})
	from, head, err := ing.Pending(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", r.cfg.Name, err)
	}

	st := Status{Pipeline: r.cfg.Name, Position: from, Head: head}
	if head > from {
		st.Pending = int64(head - from)
	}

	st.TargetExists, err = r.store.TableExists(ctx, r.cfg.Target)
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", r.cfg.Name, err)
	}
	if st.TargetExists {
		if st.TargetRows, err = r.store.Count(ctx, r.cfg.Target); err != nil {
			return Status{}, fmt.Errorf("status %s: %w", r.cfg.Name, err)
		}
		if st.KeyDigest, err = r.targetKeyDigest(ctx); err != nil {
			return Status{}, fmt.Errorf("status %s: %w", r.cfg.Name, err)
		}
	}

	if st.Tables, err = r.store.Tables(ctx); err != nil {
		return Status{}, fmt.Errorf("status %s: %w", r.cfg.Name, err)
	}
	return st, nil
}

func (r *Runner) targetKeyDigest(ctx context.Context) (string, error) {
	rows, err := r.store.Keys(ctx, r.cfg.Target, r.model.Columns())
	if err != nil {
		return "", err
	}
	set := key.NewSet()
	for _, kr := range rows {
		k, err := r.model.Of(kr)
		if err != nil {
			return "", fmt.Errorf("target %s: %w", r.cfg.Target, err)
		}
		set.Add(k)
	}
	return set.Digest(), nil
}
