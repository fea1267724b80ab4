package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/dedup"
	"github.com/roach88/keysync/internal/key"
	"github.com/roach88/keysync/internal/row"
)

var orderKey = key.MustModel("region", "order_id")

// memTarget is an all-or-nothing in-memory target.
type memTarget struct {
	rows     map[string]row.Row
	failures []error
	calls    int
	lastOpts UpsertOptions
}

func newMemTarget() *memTarget {
	return &memTarget{rows: make(map[string]row.Row)}
}

func (m *memTarget) Upsert(ctx context.Context, table string, keyColumns []string, rows []row.Row, opts UpsertOptions) (int, error) {
	m.calls++
	m.lastOpts = opts
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return 0, err
	}

	model := key.MustModel(keyColumns...)
	staged := make(map[string]row.Row, len(rows))
	for _, r := range rows {
		k, err := model.Of(r)
		if err != nil {
			return 0, err
		}
		staged[k.ID()] = r.Clone()
	}
	for k, r := range staged {
		m.rows[k] = r
	}
	return len(staged), nil
}

func (m *memTarget) get(t *testing.T, region, order string) row.Row {
	t.Helper()
	k, err := orderKey.Of(row.Row{"region": row.String(region), "order_id": row.String(order)})
	require.NoError(t, err)
	return m.rows[k.ID()]
}

func dedupe(t *testing.T, records ...cdc.Record) *dedup.Result {
	t.Helper()
	res, err := dedup.New(orderKey, "ingested_at").Latest(records)
	require.NoError(t, err)
	return res
}

func rec(pos int64, region, order string, recency int64, val string) cdc.Record {
	return cdc.Record{
		Row: row.Row{
			"region":      row.String(region),
			"order_id":    row.String(order),
			"ingested_at": row.Int(recency),
			"val":         row.String(val),
		},
		Type:     cdc.Insert,
		Position: cdc.Position(pos),
	}
}

func noWait(retries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
	}
}

func TestApply_UpsertsWinners(t *testing.T) {
	target := newMemTarget()
	a := New(target, "orders", orderKey)

	res, err := a.Apply(context.Background(), dedupe(t,
		rec(1, "R1", "O1", 1, "x"),
		rec(2, "R1", "O1", 2, "y"),
		rec(3, "R2", "O2", 1, "z"),
	))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Keys)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Retries())
	assert.Equal(t, row.String("y"), target.get(t, "R1", "O1")["val"])
}

func TestApply_Idempotent(t *testing.T) {
	target := newMemTarget()
	a := New(target, "orders", orderKey)
	batch := dedupe(t, rec(1, "R1", "O1", 1, "x"), rec(2, "R2", "O2", 1, "y"))

	_, err := a.Apply(context.Background(), batch)
	require.NoError(t, err)
	first := map[string]row.Row{}
	for k, v := range target.rows {
		first[k] = v.Clone()
	}

	_, err = a.Apply(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, first, target.rows)
}

func TestApply_InsertThenUpdate(t *testing.T) {
	target := newMemTarget()
	a := New(target, "orders", orderKey)

	_, err := a.Apply(context.Background(), dedupe(t, rec(1, "R1", "O1", 1, "A")))
	require.NoError(t, err)
	_, err = a.Apply(context.Background(), dedupe(t, rec(2, "R1", "O1", 2, "B")))
	require.NoError(t, err)

	require.Len(t, target.rows, 1)
	assert.Equal(t, row.String("B"), target.get(t, "R1", "O1")["val"])
}

func TestApply_EmptyBatchIsNoop(t *testing.T) {
	target := newMemTarget()
	a := New(target, "orders", orderKey)

	res, err := a.Apply(context.Background(), dedupe(t))
	require.NoError(t, err)

	assert.Equal(t, 0, target.calls)
	assert.Equal(t, Result{}, res)
}

func TestApply_RetriesWholeBatch(t *testing.T) {
	target := newMemTarget()
	target.failures = []error{errors.New("database is locked"), errors.New("database is locked")}
	a := New(target, "orders", orderKey, WithBackOff(noWait(5)))

	res, err := a.Apply(context.Background(), dedupe(t, rec(1, "R1", "O1", 1, "x"), rec(2, "R2", "O2", 1, "y")))
	require.NoError(t, err)

	assert.Equal(t, 3, target.calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Retries())
	assert.Len(t, target.rows, 2)
}

func TestApply_GivesUpAfterRetries(t *testing.T) {
	target := newMemTarget()
	boom := errors.New("disk I/O error")
	target.failures = []error{boom, boom, boom}
	a := New(target, "orders", orderKey, WithBackOff(noWait(2)))

	res, err := a.Apply(context.Background(), dedupe(t, rec(1, "R1", "O1", 1, "x")))
	require.Error(t, err)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, res.Attempts)
	assert.Empty(t, target.rows, "failed batch must leave no trace")
}

func TestApply_PermanentStopsRetrying(t *testing.T) {
	target := newMemTarget()
	schema := errors.New("no such column: val")
	target.failures = []error{Permanent(schema)}
	a := New(target, "orders", orderKey, WithBackOff(noWait(5)))

	_, err := a.Apply(context.Background(), dedupe(t, rec(1, "R1", "O1", 1, "x")))
	require.Error(t, err)

	assert.Equal(t, 1, target.calls)
	assert.ErrorIs(t, err, schema)
	assert.True(t, IsPermanent(err))
}

func TestApply_CanceledContext(t *testing.T) {
	target := newMemTarget()
	a := New(target, "orders", orderKey, WithBackOff(noWait(5)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Apply(ctx, dedupe(t, rec(1, "R1", "O1", 1, "x")))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, target.calls)
}

func TestApply_RecencyGuardPassedToTarget(t *testing.T) {
	target := newMemTarget()
	a := New(target, "orders", orderKey, WithRecencyGuard("ingested_at"))

	_, err := a.Apply(context.Background(), dedupe(t, rec(1, "R1", "O1", 1, "x")))
	require.NoError(t, err)

	assert.Equal(t, "ingested_at", target.lastOpts.RecencyColumn)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
}
