// Package reconcile removes target rows whose key left the source.
//
// The change stream only reports rows present at capture time, so absence from
// the latest full source snapshot is the only deletion signal. Each pass scans
// the whole source and the whole target. This cannot be made incremental without
// an explicit tombstone from the source.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/dedup"
	"github.com/roach88/keysync/internal/key"
	"github.com/roach88/keysync/internal/row"
)

// DefaultChunkSize bounds the number of keys deleted per statement.
const DefaultChunkSize = 500

// SnapshotSource reads the full history of insert rows of a source table.
type SnapshotSource interface {
	Snapshot(ctx context.Context, table string) ([]cdc.Record, error)
}

// KeyTarget reads and deletes target keys.
type KeyTarget interface {
	// Keys returns the key columns of every target row.
	Keys(ctx context.Context, table string, keyColumns []string) ([]row.Row, error)

	// DeleteKeys deletes the rows matching keys atomically and returns the
	// number of rows removed.
	DeleteKeys(ctx context.Context, table string, keyColumns []string, keys []row.Row) (int, error)
}

// Config names the tables reconciled.
type Config struct {
	Source    string
	Target    string
	ChunkSize int
}

// Result summarizes one pass.
type Result struct {
	SourceKeys int
	TargetKeys int
	Orphans    []key.Key
	Deleted    int
	DryRun     bool
}

// Reconciler deletes orphans from the target.
type Reconciler struct {
	source SnapshotSource
	target KeyTarget
	dedup  *dedup.Deduplicator
	model  key.Model
	cfg    Config
	dryRun bool
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDryRun reports orphans without deleting them.
func WithDryRun() Option {
	return func(r *Reconciler) { r.dryRun = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler. The deduplicator defines CurrentKeySet and must use
// the same key model as the target.
func New(source SnapshotSource, target KeyTarget, d *dedup.Deduplicator, model key.Model, cfg Config, opts ...Option) *Reconciler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	r := &Reconciler{
		source: source,
		target: target,
		dedup:  d,
		model:  model,
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs one pass. It is idempotent: rerunning after a partial failure
// converges on the same target.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var (
		current *key.Set
		target  *key.Set
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		history, err := r.source.Snapshot(gctx, r.cfg.Source)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", r.cfg.Source, err)
		}
		latest, err := r.dedup.Latest(history)
		if err != nil {
			return fmt.Errorf("current key set of %s: %w", r.cfg.Source, err)
		}
		current = latest.Keys()
		return nil
	})
	g.Go(func() error {
		rows, err := r.target.Keys(gctx, r.cfg.Target, r.model.Columns())
		if err != nil {
			return fmt.Errorf("scan keys of %s: %w", r.cfg.Target, err)
		}
		set := key.NewSet()
		for _, kr := range rows {
			k, err := r.model.Of(kr)
			if err != nil {
				return fmt.Errorf("target %s: %w", r.cfg.Target, err)
			}
			set.Add(k)
		}
		target = set
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{
		SourceKeys: current.Len(),
		TargetKeys: target.Len(),
		Orphans:    target.Difference(current),
		DryRun:     r.dryRun,
	}

	r.logger.Debug("key sets scanned",
		"source", r.cfg.Source,
		"target", r.cfg.Target,
		"source_keys", res.SourceKeys,
		"target_keys", res.TargetKeys,
		"orphans", len(res.Orphans))

	if r.dryRun || len(res.Orphans) == 0 {
		return res, nil
	}

	for start := 0; start < len(res.Orphans); start += r.cfg.ChunkSize {
		end := min(start+r.cfg.ChunkSize, len(res.Orphans))
		chunk := make([]row.Row, 0, end-start)
		for _, k := range res.Orphans[start:end] {
			chunk = append(chunk, k.Row())
		}

		n, err := r.target.DeleteKeys(ctx, r.cfg.Target, r.model.Columns(), chunk)
		if err != nil {
			return res, fmt.Errorf("delete orphans %d-%d of %d from %s: %w", start, end, len(res.Orphans), r.cfg.Target, err)
		}
		res.Deleted += n
	}

	r.logger.Info("orphans deleted", "target", r.cfg.Target, "deleted", res.Deleted)
	return res, nil
}
