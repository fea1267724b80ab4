// Package merge applies deduplicated batches to the target as one idempotent
// upsert.
//
// A batch is either fully reflected in the target or not at all. Failures are
// retried by resubmitting the entire batch, never by resuming mid-batch.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/keysync/internal/dedup"
	"github.com/roach88/keysync/internal/key"
	"github.com/roach88/keysync/internal/row"
)

// Target is the write side of the target table.
//
// Upsert must apply every row or none: on match by keyColumns the stored row is
// replaced with all fields of the incoming row, otherwise the row is inserted.
// It returns the number of rows written.
type Target interface {
	Upsert(ctx context.Context, table string, keyColumns []string, rows []row.Row, opts UpsertOptions) (int, error)
}

// UpsertOptions modify the write.
type UpsertOptions struct {
	// RecencyColumn, when set, restricts replacement to rows whose stored
	// recency is less than or equal to the incoming recency.
	RecencyColumn string
}

// Result summarizes one Apply call.
type Result struct {
	Keys     int
	Written  int
	Attempts int
}

// Retries returns the number of attempts beyond the first.
func (r Result) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// Applier upserts deduplicated batches.
type Applier struct {
	target     Target
	table      string
	model      key.Model
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	guard      string
}

// Option configures an Applier.
type Option func(*Applier)

// WithBackOff sets the retry policy. Each Apply call gets a fresh BackOff.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(a *Applier) { a.newBackOff = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// WithRecencyGuard enables last-writer-wins against the stored recency.
func WithRecencyGuard(column string) Option {
	return func(a *Applier) { a.guard = column }
}

// DefaultBackOff returns the exponential policy used when none is configured.
func DefaultBackOff(initial, maxElapsed time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = time.Minute
		b.MaxElapsedTime = maxElapsed
		return b
	}
}

// New creates an Applier writing to table.
func New(target Target, table string, model key.Model, opts ...Option) *Applier {
	a := &Applier{
		target:     target,
		table:      table,
		model:      model,
		newBackOff: DefaultBackOff(100*time.Millisecond, 2*time.Minute),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply upserts every winner of batch.
//
// An empty batch does not touch the target.
func (a *Applier) Apply(ctx context.Context, batch *dedup.Result) (Result, error) {
	res := Result{Keys: batch.Len()}
	if batch.Len() == 0 {
		return res, nil
	}

	rows := batch.Rows()
	cols := a.model.Columns()
	opts := UpsertOptions{RecencyColumn: a.guard}

	b := backoff.WithContext(a.newBackOff(), ctx)
	op := func() error {
		res.Attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		n, err := a.target.Upsert(ctx, a.table, cols, rows, opts)
		if err != nil {
			if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		res.Written = n
		return nil
	}
	notify := func(err error, next time.Duration) {
		a.logger.Warn("merge failed, retrying whole batch",
			"table", a.table,
			"rows", len(rows),
			"attempt", res.Attempts,
			"next", next,
			"error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return res, fmt.Errorf("merge %d rows into %s after %d attempt(s): %w", len(rows), a.table, res.Attempts, err)
	}

	a.logger.Debug("merged batch", "table", a.table, "keys", res.Keys, "written", res.Written, "attempts", res.Attempts)
	return res, nil
}

// PermanentError marks a target failure that retrying cannot fix,
// such as a schema mismatch.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Apply stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
