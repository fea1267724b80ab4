// Package ingest drains pending insert changes from a source in position order.
//
// A drain is bounded: the source head is read once at the start and changes
// appended after that are left for the next invocation. The checkpoint is saved
// only after the batch handler returns nil, which makes delivery at-least-once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/checkpoint"
)

// DefaultBatchSize bounds the number of change records read per batch.
const DefaultBatchSize = 1000

// ChangeSource reads a table's change stream.
type ChangeSource interface {
	// Head returns the position of the newest change, or zero if there is none.
	Head(ctx context.Context, table string) (cdc.Position, error)

	// Changes returns up to limit changes with position greater than after,
	// in ascending position order.
	Changes(ctx context.Context, table string, after cdc.Position, limit int) ([]cdc.Record, error)
}

// Handler consumes one batch. Returning an error stops the drain and leaves the
// checkpoint where it was.
type Handler func(ctx context.Context, batch cdc.Batch) error

// Stats summarizes a drain.
type Stats struct {
	Batches int
	Read    int
	Inserts int
	From    cdc.Position
	To      cdc.Position
}

// Config identifies what to drain.
type Config struct {
	// Pipeline names the checkpoint.
	Pipeline  string
	Table     string
	BatchSize int
}

// Ingestor hands batches of insert changes to a Handler.
type Ingestor struct {
	source      ChangeSource
	checkpoints checkpoint.Store
	cfg         Config
	logger      *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// New creates an Ingestor.
func New(source ChangeSource, checkpoints checkpoint.Store, cfg Config, opts ...Option) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	i := &Ingestor{
		source:      source,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Position returns the saved checkpoint, or zero.
func (i *Ingestor) Position(ctx context.Context) (cdc.Position, error) {
	pos, _, err := i.checkpoints.Load(ctx, i.cfg.Pipeline)
	if err != nil {
		return 0, &CheckpointError{Pipeline: i.cfg.Pipeline, Op: "load", Err: err}
	}
	return pos, nil
}

// Pending returns the saved checkpoint and the current source head.
func (i *Ingestor) Pending(ctx context.Context) (from, head cdc.Position, err error) {
	from, err = i.Position(ctx)
	if err != nil {
		return 0, 0, err
	}
	head, err = i.source.Head(ctx, i.cfg.Table)
	if err != nil {
		return 0, 0, fmt.Errorf("read head of %s: %w", i.cfg.Table, err)
	}
	return from, head, nil
}

// Drain delivers every change pending at call time, one batch at a time.
func (i *Ingestor) Drain(ctx context.Context, handle Handler) (Stats, error) {
	from, head, err := i.Pending(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{From: from, To: from}
	if head <= from {
		i.logger.Debug("no pending changes", "table", i.cfg.Table, "position", from)
		return stats, nil
	}

	pos := from
	for pos < head {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		raw, err := i.source.Changes(ctx, i.cfg.Table, pos, i.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("read changes of %s after %d: %w", i.cfg.Table, pos, err)
		}

		batch := cdc.Batch{From: pos, To: head}
		var bounded []cdc.Record
		for _, r := range raw {
			if r.Position > head {
				break
			}
			bounded = append(bounded, r)
		}
		// A full page that stays below head ends at its last record; otherwise
		// everything up to head has been seen.
		if len(raw) == i.cfg.BatchSize && len(bounded) == len(raw) {
			batch.To = bounded[len(bounded)-1].Position
		}
		batch.Records = cdc.Inserts(bounded)

		if err := handle(ctx, batch); err != nil {
			return stats, fmt.Errorf("batch (%d, %d]: %w", batch.From, batch.To, err)
		}

		// CRITICAL: the checkpoint advances only after the handler committed.
		if err := i.checkpoints.Save(ctx, i.cfg.Pipeline, batch.To); err != nil {
			return stats, &CheckpointError{Pipeline: i.cfg.Pipeline, Op: "save", Position: batch.To, Err: err}
		}

		stats.Batches++
		stats.Read += len(bounded)
		stats.Inserts += len(batch.Records)
		stats.To = batch.To
		pos = batch.To

		i.logger.Debug("batch consumed",
			"table", i.cfg.Table,
			"from", batch.From,
			"to", batch.To,
			"read", len(bounded),
			"inserts", len(batch.Records))
	}

	return stats, nil
}

// CheckpointError is fatal for a run: progress that cannot be recorded must not
// be reported.
type CheckpointError struct {
	Pipeline string
	Op       string
	Position cdc.Position
	Err      error
}

func (e *CheckpointError) Error() string {
	if e.Op == "save" {
		return fmt.Sprintf("checkpoint %s: save position %d: %v", e.Pipeline, e.Position, e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %s: %v", e.Pipeline, e.Op, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// IsCheckpoint reports whether err is a CheckpointError.
func IsCheckpoint(err error) bool {
	var ce *CheckpointError
	return errors.As(err, &ce)
}
