package row

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface representing a single table cell.
// Only Null, String, Int, Float, and Bool implement this.
type Value interface {
	value() // Sealed - only these types implement it
}

// Null represents a SQL NULL / JSON null cell.
// Using an explicit type ensures every cell satisfies the sealed interface.
type Null struct{}

func (Null) value() {}

// String represents a text cell.
type String string

func (String) value() {}

// Int represents an integer cell.
type Int int64

func (Int) value() {}

// Float represents a floating point cell.
// Floats are valid payload but are never part of a key.
type Float float64

func (Float) value() {}

// Bool represents a boolean cell.
type Bool bool

func (Bool) value() {}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// KindOf returns a short name for the value's type, used in error messages.
func KindOf(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// FromAny converts a Go value (as produced by database/sql scans, JSON, or YAML
// decoding) into a Value.
//
// []byte is treated as text. time.Time is rendered as RFC 3339 with nanoseconds
// in UTC so that lexicographic order matches chronological order.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case []byte:
		return String(string(val)), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case json.Number:
		return numberValue(val)
	case time.Time:
		return String(val.UTC().Format(time.RFC3339Nano)), nil
	default:
		return nil, fmt.Errorf("unsupported cell type: %T", v)
	}
}

// ToAny converts a Value into a driver-friendly Go value for SQL parameters.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	default:
		return nil
	}
}

// numberValue decodes a JSON number, preferring Int when the literal has no
// fraction or exponent. Large integers keep full precision.
func numberValue(n json.Number) (Value, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %s: %w", s, err)
	}
	return Float(f), nil
}

// Row is one table row: column name to cell.
// Use Columns() for deterministic iteration.
type Row map[string]Value

// FromMap creates a Row from a generic map, converting every cell with FromAny.
func FromMap(m map[string]any) (Row, error) {
	r := make(Row, len(m))
	for k, v := range m {
		val, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", k, err)
		}
		r[k] = val
	}
	return r, nil
}

// Columns returns column names in RFC 8785 canonical order (UTF-16 code units).
// CRITICAL: Go's sort.Strings uses UTF-8 byte order which differs for
// supplementary-plane characters.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	slices.SortFunc(cols, compareKeysRFC8785)
	return cols
}

// Get returns the cell for column and whether the column is present.
func (r Row) Get(column string) (Value, bool) {
	v, ok := r[column]
	return v, ok
}

// Clone returns a shallow copy. Values are immutable so this is a full copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns a new Row holding only the named columns.
// Absent columns are filled with Null.
func (r Row) Project(columns []string) Row {
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		} else {
			out[c] = Null{}
		}
	}
	return out
}

// MarshalJSON emits canonical JSON so that rows are stable in logs and golden files.
func (r Row) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(r)
}

// UnmarshalJSON decodes a JSON object, keeping integer literals as Int.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	decoded, err := FromMap(raw)
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	// If all compared units are equal, shorter string comes first
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
