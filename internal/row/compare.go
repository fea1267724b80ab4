package row

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncomparable is returned when two values cannot be ordered against each other.
var ErrIncomparable = errors.New("values are not comparable")

// Compare orders two recency values.
//
// Ordering rules:
//   - Int and Float compare numerically, including Int against Float
//   - String compares lexicographically (ISO-8601 timestamps sort chronologically)
//   - Bool orders false before true
//   - Null, or any other pairing of kinds, returns ErrIncomparable
func Compare(a, b Value) (int, error) {
	if IsNull(a) || IsNull(b) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrIncomparable, KindOf(a), KindOf(b))
	}

	switch av := a.(type) {
	case Int:
		switch bv := b.(type) {
		case Int:
			return cmpOrdered(int64(av), int64(bv)), nil
		case Float:
			return cmpOrdered(float64(av), float64(bv)), nil
		}
	case Float:
		switch bv := b.(type) {
		case Int:
			return cmpOrdered(float64(av), float64(bv)), nil
		case Float:
			return cmpOrdered(float64(av), float64(bv)), nil
		}
	case String:
		if bv, ok := b.(String); ok {
			return strings.Compare(string(av), string(bv)), nil
		}
	case Bool:
		if bv, ok := b.(Bool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !bool(av):
				return -1, nil
			default:
				return 1, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s vs %s", ErrIncomparable, KindOf(a), KindOf(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
