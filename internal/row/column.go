package row

import "strings"

// Column type names. These are SQLite declared types; other stores map them.
const (
	TypeInteger = "INTEGER"
	TypeReal    = "REAL"
	TypeText    = "TEXT"
	TypeBoolean = "BOOLEAN"
	TypeNumeric = "NUMERIC"
)

// Column describes one column of a table schema.
type Column struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// InferType returns the column type that stores v without loss.
// Null infers TEXT since SQLite accepts any value in a TEXT column.
func InferType(v Value) string {
	switch v.(type) {
	case Int:
		return TypeInteger
	case Float:
		return TypeReal
	case Bool:
		return TypeBoolean
	default:
		return TypeText
	}
}

// Coerce adjusts a scanned value to the declared column type.
// SQLite stores BOOLEAN as 0/1 integers, so those are turned back into Bool.
func Coerce(v Value, declared string) Value {
	if strings.EqualFold(declared, TypeBoolean) {
		if i, ok := v.(Int); ok {
			return Bool(i != 0)
		}
	}
	return v
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
