// Package dedup collapses change records to one record per key.
//
// The winner for a key is the record with the greatest recency value. Ties are
// broken by the greater position, then by the greater canonical row encoding,
// then by the greater byte-exact row encoding, so the outcome never depends on
// input order.
package dedup

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/key"
	"github.com/roach88/keysync/internal/row"
)

// Deduplicator selects the latest record per key.
type Deduplicator struct {
	model   key.Model
	recency string
}

// New creates a Deduplicator ranking by the recency column.
func New(model key.Model, recency string) *Deduplicator {
	return &Deduplicator{model: model, recency: recency}
}

type candidate struct {
	key     key.Key
	record  cdc.Record
	recency row.Value
	enc     []byte
}

// Latest groups records by key and keeps the latest per key.
//
// Any data-quality problem rejects the whole input: a missing or null recency
// value, a key that cannot be extracted, or recency values of incomparable kinds
// within one key.
func (d *Deduplicator) Latest(records []cdc.Record) (*Result, error) {
	winners := make(map[string]*candidate, len(records))

	for _, rec := range records {
		k, err := d.model.Of(rec.Row)
		if err != nil {
			var keyErr *key.Error
			if errors.As(err, &keyErr) {
				return nil, &DataQualityError{Column: keyErr.Column, Position: rec.Position, Reason: keyErr.Message}
			}
			return nil, fmt.Errorf("dedup: %w", err)
		}

		rv, ok := rec.Row[d.recency]
		if !ok || row.IsNull(rv) {
			return nil, &DataQualityError{
				Column:   d.recency,
				Key:      k.String(),
				Position: rec.Position,
				Reason:   "missing recency value",
			}
		}

		c := &candidate{key: k, record: rec, recency: rv}
		cur, seen := winners[k.ID()]
		if !seen {
			winners[k.ID()] = c
			continue
		}

		later, err := d.later(c, cur)
		if err != nil {
			return nil, err
		}
		if later {
			winners[k.ID()] = c
		}
	}

	res := &Result{byKey: make(map[string]cdc.Record, len(winners))}
	for id, c := range winners {
		res.byKey[id] = c.record
		res.keys = append(res.keys, c.key)
	}
	slices.SortFunc(res.keys, key.Key.Compare)
	return res, nil
}

// later reports whether a outranks b.
func (d *Deduplicator) later(a, b *candidate) (bool, error) {
	cmp, err := row.Compare(a.recency, b.recency)
	if err != nil {
		return false, &DataQualityError{
			Column:   d.recency,
			Key:      a.key.String(),
			Position: a.record.Position,
			Reason: fmt.Sprintf("recency values %s and %s are not comparable",
				row.KindOf(a.recency), row.KindOf(b.recency)),
		}
	}
	if cmp != 0 {
		return cmp > 0, nil
	}
	if a.record.Position != b.record.Position {
		return a.record.Position > b.record.Position, nil
	}

	// Same recency, same position: fall back to content so the choice is stable.
	ea, err := a.encoding()
	if err != nil {
		return false, err
	}
	eb, err := b.encoding()
	if err != nil {
		return false, err
	}
	if c := bytes.Compare(ea, eb); c != 0 {
		return c > 0, nil
	}
	// Canonical forms normalize strings; distinct bytes still need an order.
	return bytes.Compare(row.MarshalExact(a.record.Row), row.MarshalExact(b.record.Row)) > 0, nil
}

func (c *candidate) encoding() ([]byte, error) {
	if c.enc != nil {
		return c.enc, nil
	}
	enc, err := row.MarshalCanonical(c.record.Row)
	if err != nil {
		return nil, &DataQualityError{Key: c.key.String(), Position: c.record.Position, Reason: err.Error()}
	}
	c.enc = enc
	return enc, nil
}

// Result is the deduplicated mapping from key to winning record.
type Result struct {
	keys  []key.Key
	byKey map[string]cdc.Record
}

// Len returns the number of distinct keys.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Get returns the winning record for k.
func (r *Result) Get(k key.Key) (cdc.Record, bool) {
	if r == nil {
		return cdc.Record{}, false
	}
	rec, ok := r.byKey[k.ID()]
	return rec, ok
}

// Winners returns the winning records ordered by key.
func (r *Result) Winners() []cdc.Record {
	if r == nil {
		return nil
	}
	out := make([]cdc.Record, len(r.keys))
	for i, k := range r.keys {
		out[i] = r.byKey[k.ID()]
	}
	return out
}

// Rows returns the winning rows ordered by key.
func (r *Result) Rows() []row.Row {
	return cdc.Rows(r.Winners())
}

// Keys returns the set of distinct keys.
func (r *Result) Keys() *key.Set {
	if r == nil {
		return key.NewSet()
	}
	return key.NewSet(r.keys...)
}

// DataQualityError reports a record that cannot be ranked.
type DataQualityError struct {
	Column   string
	Key      string
	Position cdc.Position
	Reason   string
}

func (e *DataQualityError) Error() string {
	msg := fmt.Sprintf("data quality: position %d", e.Position)
	if e.Key != "" {
		msg += " key " + e.Key
	}
	if e.Column != "" {
		msg += fmt.Sprintf(" column %q", e.Column)
	}
	return msg + ": " + e.Reason
}

// IsDataQuality reports whether err is a DataQualityError.
func IsDataQuality(err error) bool {
	var dq *DataQualityError
	return errors.As(err, &dq)
}
