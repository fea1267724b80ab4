package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keysync/internal/bootstrap"
	"github.com/roach88/keysync/internal/row"
)

func TestCreateSource(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createOrdersSource(t, s)

	cols, err := s.Schema(ctx, "orders_raw")
	require.NoError(t, err)
	assert.Equal(t, orderColumns, cols, "hidden columns must not be visible")

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, TableInfo{Name: "orders_raw", Role: RoleSource, KeyColumns: []string{}}, tables[0])
}

func TestCreateSource_Idempotent(t *testing.T) {
	s := createTestStore(t)
	createOrdersSource(t, s)
	createOrdersSource(t, s)

	err := s.CreateSource(context.Background(), "orders_raw", orderColumns[:2])
	assert.ErrorContains(t, err, "different columns")
}

func TestCreateSource_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		table string
		cols  []row.Column
	}{
		{"empty table name", "", orderColumns},
		{"reserved prefix", "_keysync_x", orderColumns},
		{"no columns", "t", nil},
		{"reserved column", "t", []row.Column{{Name: "_seq", Type: row.TypeInteger}}},
		{"duplicate column", "t", []row.Column{{Name: "a", Type: row.TypeText}, {Name: "a", Type: row.TypeText}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.CreateSource(ctx, tt.table, tt.cols))
		})
	}
}

func TestCreateTable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createOrdersTarget(t, s)

	exists, err := s.TableExists(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.TableExists(ctx, "orders__changes")
	require.NoError(t, err)
	assert.True(t, exists, "change feed should exist")

	indexes := getTableIndexes(t, s.db, "orders")
	assert.Contains(t, indexes, "orders__key")

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, TableInfo{Name: "orders", Role: RoleTarget, KeyColumns: orderKey, ChangeTracking: true}, tables[0])
}

func TestCreateTable_WithoutChangeTracking(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.CreateTable(ctx, bootstrap.TableSpec{Name: "plain", Columns: orderColumns, KeyColumns: orderKey})
	require.NoError(t, err)

	exists, err := s.TableExists(ctx, "plain__changes")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateTable_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.CreateTable(ctx, bootstrap.TableSpec{Name: "t", Columns: orderColumns})
	assert.ErrorContains(t, err, "no key columns")

	err = s.CreateTable(ctx, bootstrap.TableSpec{Name: "t", Columns: orderColumns, KeyColumns: []string{"nope"}})
	assert.ErrorContains(t, err, `key column "nope"`)

	createOrdersTarget(t, s)
	err = s.CreateTable(ctx, bootstrap.TableSpec{Name: "orders", Columns: orderColumns, KeyColumns: orderKey})
	assert.Error(t, err, "creating an existing target must fail")
}

func TestCreateTable_Atomic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// The key index name collides with an existing table, failing mid-way.
	_, err := s.db.Exec(`CREATE TABLE "orders__key" (x TEXT)`)
	require.NoError(t, err)

	err = s.CreateTable(ctx, bootstrap.TableSpec{Name: "orders", Columns: orderColumns, KeyColumns: orderKey})
	require.Error(t, err)

	exists, err := s.TableExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists, "failed create must not leave a partial table")

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestSchema_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Schema(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestTables_Ordering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSource(ctx, "z_raw", orderColumns))
	require.NoError(t, s.CreateSource(ctx, "a_raw", orderColumns))
	createOrdersTarget(t, s)

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	var names []string
	for _, info := range tables {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"a_raw", "z_raw", "orders"}, names)
}

func TestCount(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createOrdersSource(t, s)

	n, err := s.Count(ctx, "orders_raw")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Append(ctx, "orders_raw", "insert", order("R1", "O1", "t1", "a"), order("R1", "O2", "t1", "b"))
	require.NoError(t, err)

	n, err = s.Count(ctx, "orders_raw")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
