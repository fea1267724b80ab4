package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/keysync/internal/bootstrap"
	"github.com/roach88/keysync/internal/row"
)

// Roles recorded in _keysync_tables.
const (
	RoleSource = "source"
	RoleTarget = "target"
)

// TableInfo describes a managed table.
type TableInfo struct {
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	KeyColumns     []string `json:"key_columns"`
	ChangeTracking bool     `json:"change_tracking"`
}

// CreateSource creates an append-only source table with the given columns.
// Creating an existing source is a no-op when the columns match.
func (s *Store) CreateSource(ctx context.Context, table string, cols []row.Column) error {
	if err := validateColumns(table, cols); err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	existing, err := s.Schema(ctx, table)
	switch {
	case err == nil:
		if !sameColumns(existing, cols) {
			return fmt.Errorf("create source %s: table exists with different columns", table)
		}
		return nil
	case !errors.Is(err, ErrTableNotFound):
		return fmt.Errorf("create source: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create source %s: begin tx: %w", table, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, createSourceSQL(table, cols)); err != nil {
		return fmt.Errorf("create source %s: %w", table, err)
	}
	if err := recordTable(ctx, tx, TableInfo{Name: table, Role: RoleSource}); err != nil {
		return fmt.Errorf("create source %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create source %s: commit: %w", table, err)
	}
	return nil
}

// CreateTable creates a target table with a unique key index and, when
// requested, a trigger-fed change feed. Table, index, triggers, and metadata
// are created in one transaction.
func (s *Store) CreateTable(ctx context.Context, spec bootstrap.TableSpec) error {
	if err := validateColumns(spec.Name, spec.Columns); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if len(spec.KeyColumns) == 0 {
		return fmt.Errorf("create table %s: no key columns", spec.Name)
	}
	names := row.ColumnNames(spec.Columns)
	for _, k := range spec.KeyColumns {
		if !contains(names, k) {
			return fmt.Errorf("create table %s: key column %q not in columns", spec.Name, k)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create table %s: begin tx: %w", spec.Name, err)
	}
	defer tx.Rollback()

	stmts := createTargetSQL(spec.Name, spec.Columns, spec.KeyColumns)
	if spec.ChangeTracking {
		stmts = append(stmts, changeTrackingSQL(spec.Name, names)...)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", spec.Name, err)
		}
	}

	info := TableInfo{
		Name:           spec.Name,
		Role:           RoleTarget,
		KeyColumns:     spec.KeyColumns,
		ChangeTracking: spec.ChangeTracking,
	}
	if err := recordTable(ctx, tx, info); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create table %s: commit: %w", spec.Name, err)
	}
	return nil
}

// Schema returns the user-visible columns of table in definition order.
// Hidden source columns are omitted.
func (s *Store) Schema(ctx context.Context, table string) ([]row.Column, error) {
	cols, err := tableColumns(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	return visibleColumns(cols), nil
}

// Tables lists managed tables ordered by role, then name.
func (s *Store) Tables(ctx context.Context) ([]TableInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, role, key_columns, change_tracking
		FROM _keysync_tables
		ORDER BY role ASC, name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := []TableInfo{}
	for rows.Next() {
		var (
			info    TableInfo
			keyJSON string
		)
		if err := rows.Scan(&info.Name, &info.Role, &keyJSON, &info.ChangeTracking); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if info.KeyColumns, err = unmarshalKeyColumns(keyJSON); err != nil {
			return nil, err
		}
		tables = append(tables, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func recordTable(ctx context.Context, tx execer, info TableInfo) error {
	keyJSON, err := marshalKeyColumns(info.KeyColumns)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _keysync_tables (name, role, key_columns, change_tracking)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			role = excluded.role,
			key_columns = excluded.key_columns,
			change_tracking = excluded.change_tracking
	`, info.Name, info.Role, keyJSON, info.ChangeTracking)
	if err != nil {
		return fmt.Errorf("record table: %w", err)
	}
	return nil
}

func validateColumns(table string, cols []row.Column) error {
	if err := validateIdent("table", table); err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("table %s: no columns", table)
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if err := validateIdent("column", c.Name); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", table, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

func sameColumns(a, b []row.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}
