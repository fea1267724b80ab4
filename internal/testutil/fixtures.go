package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/keysync/internal/config"
	"github.com/roach88/keysync/internal/row"
)

// OrderColumns is the schema used by order fixtures.
var OrderColumns = []row.Column{
	{Name: "region", Type: row.TypeText},
	{Name: "order_id", Type: row.TypeText},
	{Name: "ingested_at", Type: row.TypeText},
	{Name: "val", Type: row.TypeText},
}

// Order builds an order row keyed by (region, order_id).
func Order(region, id, ingestedAt, val string) row.Row {
	return row.Row{
		"region":      row.String(region),
		"order_id":    row.String(id),
		"ingested_at": row.String(ingestedAt),
		"val":         row.String(val),
	}
}

// OrderKey builds the key row of an order.
func OrderKey(region, id string) row.Row {
	return row.Row{"region": row.String(region), "order_id": row.String(id)}
}

// OrdersPipeline returns a valid pipeline syncing orders_raw into orders,
// with its database under a test temp dir.
func OrdersPipeline(t *testing.T) *config.Pipeline {
	t.Helper()
	p := &config.Pipeline{
		Name:       "orders",
		Database:   filepath.Join(t.TempDir(), "keysync.db"),
		Source:     "orders_raw",
		Target:     "orders",
		KeyColumns: []string{"region", "order_id"},
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		t.Fatalf("fixture pipeline invalid: %v", err)
	}
	return p
}
