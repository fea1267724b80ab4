package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/keysync/internal/row"
)

// tableColumns returns the declared columns of table in definition order,
// including hidden ones. Returns ErrTableNotFound when the table is missing.
func tableColumns(ctx context.Context, q queryer, table string) ([]row.Column, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []row.Column
	for rows.Next() {
		var c row.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		c.Type = strings.ToUpper(c.Type)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}
	return cols, nil
}

// visibleColumns drops the hidden source columns.
func visibleColumns(cols []row.Column) []row.Column {
	out := make([]row.Column, 0, len(cols))
	for _, c := range cols {
		if c.Name == seqColumn || c.Name == changeTypeColumn {
			continue
		}
		out = append(out, c)
	}
	return out
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// scanRow reads the current result row into a row.Row keyed by cols.
// Extra leading destinations (e.g. _seq) are filled from prefix.
func scanRow(rows *sql.Rows, cols []row.Column, prefix ...any) (row.Row, error) {
	cells := make([]any, len(cols))
	dest := make([]any, 0, len(prefix)+len(cols))
	dest = append(dest, prefix...)
	for i := range cells {
		dest = append(dest, &cells[i])
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	r := make(row.Row, len(cols))
	for i, c := range cols {
		v, err := row.FromAny(cells[i])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		r[c.Name] = row.Coerce(v, c.Type)
	}
	return r, nil
}

// rowParams returns the values of r for columns, binding absent columns as NULL.
func rowParams(r row.Row, columns []string) []any {
	params := make([]any, len(columns))
	for i, c := range columns {
		params[i] = row.ToAny(r[c])
	}
	return params
}

// unmarshalFeedRow parses a change feed JSON image and coerces it to cols.
// Uses row.Row.UnmarshalJSON which keeps integers beyond 2^53 exact.
func unmarshalFeedRow(data string, cols []row.Column) (row.Row, error) {
	var r row.Row
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal change image: %w", err)
	}
	for _, c := range cols {
		if v, ok := r[c.Name]; ok {
			r[c.Name] = row.Coerce(v, c.Type)
		}
	}
	return r, nil
}

// marshalKeyColumns encodes key columns for _keysync_tables.
func marshalKeyColumns(cols []string) (string, error) {
	if cols == nil {
		cols = []string{}
	}
	data, err := row.MarshalCanonical(cols)
	if err != nil {
		return "", fmt.Errorf("marshal key columns: %w", err)
	}
	return string(data), nil
}

func unmarshalKeyColumns(data string) ([]string, error) {
	var cols []string
	if data == "" {
		return cols, nil
	}
	if err := json.Unmarshal([]byte(data), &cols); err != nil {
		return nil, fmt.Errorf("unmarshal key columns: %w", err)
	}
	return cols, nil
}
