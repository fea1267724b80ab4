// Package bootstrap creates the target table from the source schema on first run.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/keysync/internal/row"
)

// SchemaSource reports a table's column definitions.
type SchemaSource interface {
	Schema(ctx context.Context, table string) ([]row.Column, error)
}

// TableCreator checks for and creates target tables.
type TableCreator interface {
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, spec TableSpec) error
}

// TableSpec describes a target table to create.
type TableSpec struct {
	Name           string
	Columns        []row.Column
	KeyColumns     []string
	ChangeTracking bool
}

// Config names the tables and columns involved.
//
// Key columns must always survive exclusion. The recency column only has to
// when CompareRecency is set, since the merge guard reads it from the target.
type Config struct {
	Source         string
	Target         string
	KeyColumns     []string
	RecencyColumn  string
	CompareRecency bool
	ExcludeColumns []string
}

// Bootstrapper ensures the target exists.
//
// Concurrent first runs against the same target must be serialized by the caller.
type Bootstrapper struct {
	source SchemaSource
	target TableCreator
	cfg    Config
	logger *slog.Logger
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) { b.logger = l }
}

// New creates a Bootstrapper.
func New(source SchemaSource, target TableCreator, cfg Config, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		source: source,
		target: target,
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ensure creates the target if it does not exist. It reports whether a table was
// created. Calling Ensure on an existing target is a no-op.
func (b *Bootstrapper) Ensure(ctx context.Context) (bool, error) {
	exists, err := b.target.TableExists(ctx, b.cfg.Target)
	if err != nil {
		return false, &Error{Table: b.cfg.Target, Op: "check target", Err: err}
	}
	if exists {
		b.logger.Debug("target exists, skipping bootstrap", "target", b.cfg.Target)
		return false, nil
	}

	spec, err := b.Plan(ctx)
	if err != nil {
		return false, err
	}

	if err := b.target.CreateTable(ctx, spec); err != nil {
		return false, &Error{Table: b.cfg.Target, Op: "create target", Err: err}
	}

	b.logger.Info("created target",
		"target", spec.Name,
		"source", b.cfg.Source,
		"columns", len(spec.Columns),
		"change_tracking", spec.ChangeTracking)
	return true, nil
}

// Plan derives the target TableSpec from the source schema without creating
// anything.
func (b *Bootstrapper) Plan(ctx context.Context) (TableSpec, error) {
	cols, err := b.source.Schema(ctx, b.cfg.Source)
	if err != nil {
		return TableSpec{}, &Error{Table: b.cfg.Source, Op: "read source schema", Err: err}
	}
	if len(cols) == 0 {
		return TableSpec{}, &Error{Table: b.cfg.Source, Op: "read source schema", Err: errors.New("source has no columns")}
	}

	kept, err := exclude(cols, b.cfg.ExcludeColumns)
	if err != nil {
		return TableSpec{}, &Error{Table: b.cfg.Target, Op: "derive columns", Err: err}
	}

	// CRITICAL: the key must survive exclusion or the target cannot be merged
	// into or reconciled. The recency guard also needs the recency column.
	required := append([]string(nil), b.cfg.KeyColumns...)
	if b.cfg.CompareRecency && b.cfg.RecencyColumn != "" {
		required = append(required, b.cfg.RecencyColumn)
	}
	for _, name := range required {
		if !hasColumn(kept, name) {
			return TableSpec{}, &Error{
				Table: b.cfg.Target,
				Op:    "derive columns",
				Err:   fmt.Errorf("required column %q is missing after exclusion", name),
			}
		}
	}

	return TableSpec{
		Name:           b.cfg.Target,
		Columns:        kept,
		KeyColumns:     append([]string(nil), b.cfg.KeyColumns...),
		ChangeTracking: true,
	}, nil
}

// exclude removes excluded columns, matching names case-insensitively.
// Naming a column the source does not have is an error.
func exclude(cols []row.Column, excluded []string) ([]row.Column, error) {
	drop := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		if !hasColumnFold(cols, name) {
			return nil, fmt.Errorf("excluded column %q not found in source", name)
		}
		drop[strings.ToLower(name)] = true
	}

	kept := make([]row.Column, 0, len(cols))
	for _, c := range cols {
		if drop[strings.ToLower(c.Name)] {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

func hasColumn(cols []row.Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

func hasColumnFold(cols []row.Column, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// Error is a schema bootstrap failure. It is not retried.
type Error struct {
	Table string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
