package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/merge"
	"github.com/roach88/keysync/internal/row"
)

// Append adds rows to a source table as changes of type t and returns the
// position of the last appended row. All rows are appended in one transaction.
func (s *Store) Append(ctx context.Context, table string, t cdc.ChangeType, rows ...row.Row) (cdc.Position, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("append %s: unknown change type %q", table, t)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	cols, err := s.Schema(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", table, err)
	}
	names := row.ColumnNames(cols)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append %s: begin tx: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, %s)",
		quoteIdent(table),
		quoteIdent(changeTypeColumn),
		joinIdents(names),
		placeholders(len(names))))
	if err != nil {
		return 0, fmt.Errorf("append %s: prepare: %w", table, err)
	}
	defer stmt.Close()

	var last int64
	for i, r := range rows {
		if unknown := unknownColumn(r, names); unknown != "" {
			return 0, fmt.Errorf("append %s: row %d: unknown column %q", table, i, unknown)
		}
		args := append([]any{string(t)}, rowParams(r, names)...)
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("append %s: row %d: %w", table, i, err)
		}
		if last, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("append %s: last insert id: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append %s: commit: %w", table, err)
	}
	return cdc.Position(last), nil
}

// Upsert writes rows into a target table in one transaction.
//
// A row matching an existing key replaces every non-key column; otherwise it is
// inserted. Columns of rows not present in the target are ignored and target
// columns missing from a row are written as NULL. Returns the number of rows
// inserted or changed. Errors that retrying cannot fix are marked with
// merge.Permanent.
func (s *Store) Upsert(ctx context.Context, table string, keyColumns []string, rows []row.Row, opts merge.UpsertOptions) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	cols, err := s.Schema(ctx, table)
	if errors.Is(err, ErrTableNotFound) {
		return 0, merge.Permanent(fmt.Errorf("upsert %s: %w", table, err))
	}
	if err != nil {
		return 0, classify(fmt.Errorf("upsert %s: %w", table, err))
	}
	names := row.ColumnNames(cols)
	for _, k := range keyColumns {
		if !contains(names, k) {
			return 0, merge.Permanent(fmt.Errorf("upsert %s: key column %q not in target", table, k))
		}
	}
	if opts.RecencyColumn != "" && !contains(names, opts.RecencyColumn) {
		return 0, merge.Permanent(fmt.Errorf("upsert %s: recency column %q not in target", table, opts.RecencyColumn))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("upsert %s: begin tx: %w", table, err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL(table, names, keyColumns, opts.RecencyColumn))
	if err != nil {
		return 0, classify(fmt.Errorf("upsert %s: prepare: %w", table, err))
	}
	defer stmt.Close()

	written := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, rowParams(r, names)...)
		if err != nil {
			return 0, classify(fmt.Errorf("upsert %s: %w", table, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, classify(fmt.Errorf("upsert %s: rows affected: %w", table, err))
		}
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("upsert %s: commit: %w", table, err))
	}
	return written, nil
}

// DeleteKeys deletes the rows of table matching keys in one transaction and
// returns the number removed. Keys with no matching row are ignored.
func (s *Store) DeleteKeys(ctx context.Context, table string, keyColumns []string, keys []row.Row) (int, error) {
	return s.deleteWhere(ctx, "delete keys", table, keyPredicate(keyColumns), keyColumns, keys)
}

// Purge physically removes every source row whose key matches one of keys,
// as an upstream hard delete would. Positions of purged rows are not reused.
func (s *Store) Purge(ctx context.Context, table string, keyColumns []string, keys []row.Row) (int, error) {
	return s.deleteWhere(ctx, "purge", table, keyPredicate(keyColumns), keyColumns, keys)
}

func (s *Store) deleteWhere(ctx context.Context, op, table, predicate string, keyColumns []string, keys []row.Row) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("%s %s: no key columns", op, table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s %s: begin tx: %w", op, table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table), predicate))
	if err != nil {
		return 0, fmt.Errorf("%s %s: prepare: %w", op, table, err)
	}
	defer stmt.Close()

	deleted := 0
	for _, k := range keys {
		params, err := keyParams(k, keyColumns)
		if err != nil {
			return 0, fmt.Errorf("%s %s: %w", op, table, err)
		}
		res, err := stmt.ExecContext(ctx, params...)
		if err != nil {
			return 0, fmt.Errorf("%s %s: %w", op, table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%s %s: rows affected: %w", op, table, err)
		}
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s %s: commit: %w", op, table, err)
	}
	return deleted, nil
}

// classify marks errors that a retry cannot fix as permanent.
// Lock contention and I/O errors stay retryable.
func classify(err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen:
			return err
		default:
			return merge.Permanent(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return merge.Permanent(err)
	}
	return err
}

func unknownColumn(r row.Row, names []string) string {
	for _, c := range r.Columns() {
		if !contains(names, c) {
			return c
		}
	}
	return ""
}
