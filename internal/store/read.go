package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/row"
)

// Head returns the position of the newest change ever appended to a source
// table, or zero if none. Purged rows still count: positions never go back.
func (s *Store) Head(ctx context.Context, table string) (cdc.Position, error) {
	exists, err := s.TableExists(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("head %s: %w", table, ErrTableNotFound)
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", table).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", table, err)
	}
	return cdc.Position(seq), nil
}

// Changes returns up to limit changes of a source table after position after,
// ordered by position.
func (s *Store) Changes(ctx context.Context, table string, after cdc.Position, limit int) ([]cdc.Record, error) {
	cols, err := s.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("changes %s: %w", table, err)
	}
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?",
		quoteIdent(seqColumn), quoteIdent(changeTypeColumn), joinIdents(row.ColumnNames(cols)),
		quoteIdent(table), quoteIdent(seqColumn), quoteIdent(seqColumn))

	return s.queryRecords(ctx, "changes "+table, cols, query, int64(after), limit)
}

// Snapshot returns every insert row of a source table in position order.
// This is a full scan of the source.
func (s *Store) Snapshot(ctx context.Context, table string) ([]cdc.Record, error) {
	cols, err := s.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", table, err)
	}
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = ? ORDER BY %s ASC",
		quoteIdent(seqColumn), quoteIdent(changeTypeColumn), joinIdents(row.ColumnNames(cols)),
		quoteIdent(table), quoteIdent(changeTypeColumn), quoteIdent(seqColumn))

	return s.queryRecords(ctx, "snapshot "+table, cols, query, string(cdc.Insert))
}

func (s *Store) queryRecords(ctx context.Context, op string, cols []row.Column, query string, args ...any) ([]cdc.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	records := []cdc.Record{}
	for rows.Next() {
		var (
			seq        int64
			changeType string
		)
		r, err := scanRow(rows, cols, &seq, &changeType)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ct, err := cdc.ParseChangeType(changeType)
		if err != nil {
			return nil, fmt.Errorf("%s: position %d: %w", op, seq, err)
		}
		records = append(records, cdc.Record{Row: r, Type: ct, Position: cdc.Position(seq)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return records, nil
}

// Keys returns the key columns of every row of a target table, ordered by key.
// This is a full scan of the target.
func (s *Store) Keys(ctx context.Context, table string, keyColumns []string) ([]row.Row, error) {
	cols, err := s.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", table, err)
	}
	keyCols := make([]row.Column, 0, len(keyColumns))
	for _, k := range keyColumns {
		c, ok := findColumn(cols, k)
		if !ok {
			return nil, fmt.Errorf("keys %s: key column %q not in table", table, k)
		}
		keyCols = append(keyCols, c)
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		joinIdents(keyColumns), quoteIdent(table), orderByKey(keyColumns))
	return s.queryRows(ctx, "keys "+table, keyCols, query)
}

// ReadTarget returns every row of a target table ordered by keyColumns.
func (s *Store) ReadTarget(ctx context.Context, table string, keyColumns []string) ([]row.Row, error) {
	cols, err := s.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	for _, k := range keyColumns {
		if _, ok := findColumn(cols, k); !ok {
			return nil, fmt.Errorf("read %s: key column %q not in table", table, k)
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		joinIdents(row.ColumnNames(cols)), quoteIdent(table), orderByKey(keyColumns))
	return s.queryRows(ctx, "read "+table, cols, query)
}

func (s *Store) queryRows(ctx context.Context, op string, cols []row.Column, query string, args ...any) ([]row.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []row.Row{}
	for rows.Next() {
		r, err := scanRow(rows, cols)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

// TargetChanges returns the change feed of a target table after position after.
// Updates appear as an update_preimage followed by an update_postimage.
// Returns ErrTableNotFound when the target was created without change tracking.
func (s *Store) TargetChanges(ctx context.Context, table string, after cdc.Position) ([]cdc.Record, error) {
	cols, err := s.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("target changes %s: %w", table, err)
	}
	feed := table + changesSuffix
	exists, err := s.TableExists(ctx, feed)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("target changes %s: %s: %w", table, feed, ErrTableNotFound)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s > ? ORDER BY %s ASC",
		quoteIdent(seqColumn), quoteIdent(changeTypeColumn), quoteIdent("_row"),
		quoteIdent(feed), quoteIdent(seqColumn), quoteIdent(seqColumn)), int64(after))
	if err != nil {
		return nil, fmt.Errorf("target changes %s: %w", table, err)
	}
	defer rows.Close()

	records := []cdc.Record{}
	for rows.Next() {
		var (
			seq        int64
			changeType string
			image      string
		)
		if err := rows.Scan(&seq, &changeType, &image); err != nil {
			return nil, fmt.Errorf("target changes %s: scan: %w", table, err)
		}
		ct, err := cdc.ParseChangeType(changeType)
		if err != nil {
			return nil, fmt.Errorf("target changes %s: position %d: %w", table, seq, err)
		}
		r, err := unmarshalFeedRow(image, cols)
		if err != nil {
			return nil, fmt.Errorf("target changes %s: position %d: %w", table, seq, err)
		}
		records = append(records, cdc.Record{Row: r, Type: ct, Position: cdc.Position(seq)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("target changes %s: iterate: %w", table, err)
	}
	return records, nil
}

func findColumn(cols []row.Column, name string) (row.Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return row.Column{}, false
}
