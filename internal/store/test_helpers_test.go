package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/keysync/internal/bootstrap"
	"github.com/roach88/keysync/internal/row"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	orderColumns = []row.Column{
		{Name: "region", Type: row.TypeText},
		{Name: "order_id", Type: row.TypeText},
		{Name: "ingested_at", Type: row.TypeText},
		{Name: "val", Type: row.TypeText},
		{Name: "amount", Type: row.TypeReal},
		{Name: "paid", Type: row.TypeBoolean},
	}
	orderKey = []string{"region", "order_id"}
)

// createOrdersSource creates the orders_raw source table.
func createOrdersSource(t *testing.T, s *Store) {
	t.Helper()
	if err := s.CreateSource(context.Background(), "orders_raw", orderColumns); err != nil {
		t.Fatalf("CreateSource() failed: %v", err)
	}
}

// createOrdersTarget creates the orders target table with change tracking.
func createOrdersTarget(t *testing.T, s *Store) {
	t.Helper()
	err := s.CreateTable(context.Background(), bootstrap.TableSpec{
		Name:           "orders",
		Columns:        orderColumns,
		KeyColumns:     orderKey,
		ChangeTracking: true,
	})
	if err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
}

// order builds a row for the orders tables.
func order(region, id, ingestedAt, val string) row.Row {
	return row.Row{
		"region":      row.String(region),
		"order_id":    row.String(id),
		"ingested_at": row.String(ingestedAt),
		"val":         row.String(val),
		"amount":      row.Float(12.5),
		"paid":        row.Bool(true),
	}
}
