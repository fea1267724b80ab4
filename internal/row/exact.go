package row

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// AppendExact appends a byte-exact, self-delimiting encoding of v to dst.
//
// Unlike MarshalCanonical, strings are neither NFC normalized nor repaired:
// invalid UTF-8 is kept as is. Two values encode equally iff they have the same
// kind and the same bits, which matches how SQLite compares them under BINARY.
func AppendExact(dst []byte, v Value) []byte {
	switch val := v.(type) {
	case nil, Null:
		return append(dst, 'n')
	case String:
		dst = append(dst, 's')
		dst = binary.AppendUvarint(dst, uint64(len(val)))
		return append(dst, val...)
	case Int:
		dst = append(dst, 'i')
		return binary.BigEndian.AppendUint64(dst, uint64(val))
	case Float:
		dst = append(dst, 'f')
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(val)))
	case Bool:
		if val {
			return append(dst, 'b', 1)
		}
		return append(dst, 'b', 0)
	default:
		panic(fmt.Sprintf("row: unsupported value type %T", v))
	}
}

// MarshalExact returns the byte-exact encoding of r, columns in byte order.
func MarshalExact(r Row) []byte {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var out []byte
	for _, c := range cols {
		out = binary.AppendUvarint(out, uint64(len(c)))
		out = append(out, c...)
		out = AppendExact(out, r[c])
	}
	return out
}
