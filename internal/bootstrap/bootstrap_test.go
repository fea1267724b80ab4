package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keysync/internal/row"
)

type fakeSource struct {
	cols []row.Column
	err  error
}

func (f *fakeSource) Schema(ctx context.Context, table string) ([]row.Column, error) {
	return f.cols, f.err
}

type fakeCreator struct {
	tables  map[string]TableSpec
	created []TableSpec
	err     error
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{tables: map[string]TableSpec{}}
}

func (f *fakeCreator) TableExists(ctx context.Context, table string) (bool, error) {
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeCreator) CreateTable(ctx context.Context, spec TableSpec) error {
	if f.err != nil {
		return f.err
	}
	f.tables[spec.Name] = spec
	f.created = append(f.created, spec)
	return nil
}

var sourceCols = []row.Column{
	{Name: "region", Type: row.TypeText},
	{Name: "order_id", Type: row.TypeText},
	{Name: "ingested_at", Type: row.TypeText},
	{Name: "val", Type: row.TypeText},
	{Name: "_rescued_data", Type: row.TypeText},
}

func testConfig() Config {
	return Config{
		Source:         "orders_raw",
		Target:         "orders",
		KeyColumns:     []string{"region", "order_id"},
		RecencyColumn:  "ingested_at",
		ExcludeColumns: []string{"_RESCUED_DATA"},
	}
}

func TestEnsure_CreatesOnce(t *testing.T) {
	creator := newFakeCreator()
	b := New(&fakeSource{cols: sourceCols}, creator, testConfig())

	created, err := b.Ensure(context.Background())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = b.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, created, "second run must be a no-op")

	require.Len(t, creator.created, 1)
	spec := creator.created[0]
	assert.Equal(t, "orders", spec.Name)
	assert.True(t, spec.ChangeTracking)
	assert.Equal(t, []string{"region", "order_id"}, spec.KeyColumns)
	assert.Equal(t, []string{"region", "order_id", "ingested_at", "val"}, row.ColumnNames(spec.Columns))
}

func TestEnsure_UnknownExcludedColumn(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludeColumns = []string{"nope"}
	b := New(&fakeSource{cols: sourceCols}, newFakeCreator(), cfg)

	_, err := b.Ensure(context.Background())
	require.Error(t, err)

	var bErr *Error
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "derive columns", bErr.Op)
	assert.Contains(t, err.Error(), `"nope"`)
}

func TestEnsure_KeyColumnExcluded(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludeColumns = []string{"order_id"}
	b := New(&fakeSource{cols: sourceCols}, newFakeCreator(), cfg)

	_, err := b.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required column "order_id"`)
}

func TestEnsure_RecencyColumnExcluded(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludeColumns = []string{"ingested_at"}

	spec, err := New(&fakeSource{cols: sourceCols}, newFakeCreator(), cfg).Plan(context.Background())
	require.NoError(t, err, "recency only has to reach the target for the merge guard")
	assert.Equal(t, []string{"region", "order_id", "val", "_rescued_data"}, row.ColumnNames(spec.Columns))

	cfg.CompareRecency = true
	_, err = New(&fakeSource{cols: sourceCols}, newFakeCreator(), cfg).Plan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required column "ingested_at"`)
}

func TestEnsure_SourceSchemaFailure(t *testing.T) {
	boom := errors.New("no such table: orders_raw")
	b := New(&fakeSource{err: boom}, newFakeCreator(), testConfig())

	_, err := b.Ensure(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestEnsure_EmptySource(t *testing.T) {
	b := New(&fakeSource{}, newFakeCreator(), testConfig())

	_, err := b.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns")
}

func TestEnsure_CreateFailureNotRetried(t *testing.T) {
	creator := newFakeCreator()
	creator.err = errors.New("table orders already exists")
	b := New(&fakeSource{cols: sourceCols}, creator, testConfig())

	_, err := b.Ensure(context.Background())
	require.Error(t, err)

	var bErr *Error
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "create target", bErr.Op)
}

func TestEnsure_ExistingTargetSkipsSchemaRead(t *testing.T) {
	creator := newFakeCreator()
	creator.tables["orders"] = TableSpec{Name: "orders"}
	b := New(&fakeSource{err: errors.New("must not be called")}, creator, testConfig())

	created, err := b.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
}
