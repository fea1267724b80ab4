package harness

import (
	"fmt"

	"github.com/roach88/keysync/internal/row"
)

// AssertionError describes an assertion failure.
type AssertionError struct {
	Type     string
	Expected any
	Actual   any
	Message  string
}

func (e *AssertionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: expected %v, got %v", e.Type, e.Expected, e.Actual)
}

// checkAssertion validates a single assertion against the final state.
func checkAssertion(a Assertion, result *Result) error {
	switch a.Type {
	case AssertTargetCount:
		if len(result.Target) != *a.Count {
			return &AssertionError{Type: a.Type, Expected: *a.Count, Actual: len(result.Target)}
		}
	case AssertFeedCount:
		if len(result.Feed) != *a.Count {
			return &AssertionError{Type: a.Type, Expected: *a.Count, Actual: len(result.Feed)}
		}
	case AssertTargetRow:
		return assertTargetRow(a, result.Target)
	case AssertTargetAbsent:
		where, err := row.FromMap(a.Where)
		if err != nil {
			return fmt.Errorf("%s: where: %w", a.Type, err)
		}
		if r, ok := findRow(result.Target, where); ok {
			return &AssertionError{Type: a.Type, Message: fmt.Sprintf("found row %v", r)}
		}
	case AssertCheckpoint:
		if int64(result.Position) != *a.Position {
			return &AssertionError{Type: a.Type, Expected: *a.Position, Actual: int64(result.Position)}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// assertTargetRow checks that the row matching where contains expect.
// Extra columns in the target row are ignored.
func assertTargetRow(a Assertion, target []row.Row) error {
	where, err := row.FromMap(a.Where)
	if err != nil {
		return fmt.Errorf("%s: where: %w", a.Type, err)
	}
	expect, err := row.FromMap(a.Expect)
	if err != nil {
		return fmt.Errorf("%s: expect: %w", a.Type, err)
	}

	r, ok := findRow(target, where)
	if !ok {
		return &AssertionError{Type: a.Type, Message: fmt.Sprintf("no row matches %v", where)}
	}
	for _, col := range expect.Columns() {
		got, ok := r.Get(col)
		if !ok {
			return &AssertionError{Type: a.Type, Message: fmt.Sprintf("column %q missing", col)}
		}
		if !valueEqual(expect[col], got) {
			return &AssertionError{Type: a.Type + "." + col, Expected: expect[col], Actual: got}
		}
	}
	return nil
}

// findRow returns the first row whose columns match every column of where.
func findRow(rows []row.Row, where row.Row) (row.Row, bool) {
	for _, r := range rows {
		match := true
		for col, want := range where {
			got, ok := r.Get(col)
			if !ok || !valueEqual(want, got) {
				match = false
				break
			}
		}
		if match {
			return r, true
		}
	}
	return nil, false
}

// valueEqual compares values, treating Int and Float of equal magnitude as equal.
func valueEqual(a, b row.Value) bool {
	if row.IsNull(a) || row.IsNull(b) {
		return row.IsNull(a) && row.IsNull(b)
	}
	c, err := row.Compare(a, b)
	return err == nil && c == 0
}
