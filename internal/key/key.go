// Package key defines the composite key model shared by deduplication, merge,
// and reconciliation.
//
// A Key is the ordered tuple of a row's key-column values. Two rows describe the
// same entity iff their keys are field-wise equal, which is decided by comparing
// byte-exact encodings (row.AppendExact). Strings are not normalized, so keys
// match exactly when the target's UNIQUE index would treat them as equal.
// The canonical JSON form (String) is for display and ordering only.
package key

import (
	"fmt"
	"strings"

	"github.com/roach88/keysync/internal/row"
)

// Model is the configured ordered list of key columns.
type Model struct {
	columns []string
}

// NewModel validates and creates a key model.
// Columns must be non-empty, non-blank, and free of duplicates.
func NewModel(columns ...string) (Model, error) {
	if len(columns) == 0 {
		return Model{}, fmt.Errorf("key model: at least one key column is required")
	}
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if strings.TrimSpace(c) == "" {
			return Model{}, fmt.Errorf("key model: blank key column")
		}
		if seen[c] {
			return Model{}, fmt.Errorf("key model: duplicate key column %q", c)
		}
		seen[c] = true
	}
	return Model{columns: append([]string(nil), columns...)}, nil
}

// MustModel is like NewModel but panics on error.
// Use only in tests or when columns are known to be valid.
func MustModel(columns ...string) Model {
	m, err := NewModel(columns...)
	if err != nil {
		panic(err)
	}
	return m
}

// Columns returns a copy of the key columns in order.
func (m Model) Columns() []string {
	return append([]string(nil), m.columns...)
}

// Of extracts the key of r.
//
// Key cells must be present, non-null, and not Float: floating point equality is
// not a stable identity across stores.
func (m Model) Of(r row.Row) (Key, error) {
	if len(m.columns) == 0 {
		return Key{}, &Error{Message: "key model has no columns"}
	}
	values := make([]row.Value, len(m.columns))
	for i, c := range m.columns {
		v, ok := r[c]
		switch {
		case !ok:
			return Key{}, &Error{Column: c, Message: "key column missing from row"}
		case row.IsNull(v):
			return Key{}, &Error{Column: c, Message: "key column is null"}
		}
		if _, isFloat := v.(row.Float); isFloat {
			return Key{}, &Error{Column: c, Message: "float values cannot be part of a key"}
		}
		values[i] = v
	}

	enc, err := row.MarshalCanonical(values)
	if err != nil {
		return Key{}, &Error{Message: fmt.Sprintf("encode key: %v", err)}
	}
	var id []byte
	for _, v := range values {
		id = row.AppendExact(id, v)
	}
	return Key{columns: m.columns, values: values, enc: string(enc), id: string(id)}, nil
}

// Key is one composite key value.
// The zero Key is invalid; obtain keys from Model.Of.
type Key struct {
	columns []string
	values  []row.Value
	enc     string
	id      string
}

// String returns the canonical encoding, e.g. ["R1","O1"].
// Distinct keys may share a String when they differ only in Unicode
// normalization or invalid UTF-8; use ID or Equal for identity.
func (k Key) String() string {
	return k.enc
}

// ID returns the byte-exact identity of k, suitable as a map key.
func (k Key) ID() string {
	return k.id
}

// Compare orders keys by canonical encoding, then by identity.
func (k Key) Compare(other Key) int {
	if c := strings.Compare(k.enc, other.enc); c != 0 {
		return c
	}
	return strings.Compare(k.id, other.id)
}

// Values returns the key cells in key-column order.
func (k Key) Values() []row.Value {
	return append([]row.Value(nil), k.values...)
}

// Equal reports field-wise equality.
func (k Key) Equal(other Key) bool {
	return k.id == other.id
}

// Row returns the key as a partial row holding only the key columns.
func (k Key) Row() row.Row {
	r := make(row.Row, len(k.columns))
	for i, c := range k.columns {
		r[c] = k.values[i]
	}
	return r
}

// Error describes why a key could not be extracted.
type Error struct {
	Column  string
	Message string
}

func (e *Error) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("key column %q: %s", e.Column, e.Message)
	}
	return "key: " + e.Message
}
