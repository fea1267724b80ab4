// Package cdc holds the change-record types produced by a change source.
package cdc

import (
	"fmt"

	"github.com/roach88/keysync/internal/row"
)

// ChangeType classifies a change record.
type ChangeType string

const (
	Insert          ChangeType = "insert"
	UpdatePreimage  ChangeType = "update_preimage"
	UpdatePostimage ChangeType = "update_postimage"
	Delete          ChangeType = "delete"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case Insert, UpdatePreimage, UpdatePostimage, Delete:
		return true
	}
	return false
}

// ParseChangeType converts a stored string into a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	t := ChangeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown change type %q", s)
	}
	return t, nil
}

// Position is a monotonically increasing offset into a change stream.
// Zero means "before the first change".
type Position int64

// Record is one change to one row.
type Record struct {
	Row      row.Row    `json:"row"`
	Type     ChangeType `json:"change_type"`
	Position Position   `json:"position"`
}

// Batch is the set of changes in the half-open position window (From, To].
type Batch struct {
	Records []Record
	From    Position
	To      Position
}

// Empty reports whether the batch carries no records.
func (b Batch) Empty() bool {
	return len(b.Records) == 0
}

// Inserts returns only the insert records, preserving order.
func Inserts(records []Record) []Record {
	var out []Record
	for _, r := range records {
		if r.Type == Insert {
			out = append(out, r)
		}
	}
	return out
}

// Rows returns the row payloads of records.
func Rows(records []Record) []row.Row {
	out := make([]row.Row, len(records))
	for i, r := range records {
		out[i] = r.Row
	}
	return out
}
