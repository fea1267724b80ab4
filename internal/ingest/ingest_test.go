package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/checkpoint"
	"github.com/roach88/keysync/internal/row"
)

// memSource is an append-only change log.
type memSource struct {
	log []cdc.Record
	// onChanges runs after each Changes call; used to simulate concurrent appends.
	onChanges func()
}

func (m *memSource) append(t cdc.ChangeType, id int64) {
	m.log = append(m.log, cdc.Record{
		Row:      row.Row{"id": row.Int(id)},
		Type:     t,
		Position: cdc.Position(len(m.log) + 1),
	})
}

func (m *memSource) Head(ctx context.Context, table string) (cdc.Position, error) {
	if len(m.log) == 0 {
		return 0, nil
	}
	return m.log[len(m.log)-1].Position, nil
}

func (m *memSource) Changes(ctx context.Context, table string, after cdc.Position, limit int) ([]cdc.Record, error) {
	var out []cdc.Record
	for _, r := range m.log {
		if r.Position > after && len(out) < limit {
			out = append(out, r)
		}
	}
	if m.onChanges != nil {
		m.onChanges()
	}
	return out, nil
}

func collect(batches *[]cdc.Batch) Handler {
	return func(ctx context.Context, b cdc.Batch) error {
		*batches = append(*batches, b)
		return nil
	}
}

func TestDrain_BatchesInPositionOrder(t *testing.T) {
	src := &memSource{}
	for i := int64(1); i <= 5; i++ {
		src.append(cdc.Insert, i)
	}
	cp := checkpoint.NewMemory()
	in := New(src, cp, Config{Pipeline: "p", Table: "src", BatchSize: 2})

	var batches []cdc.Batch
	stats, err := in.Drain(context.Background(), collect(&batches))
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, cdc.Position(0), batches[0].From)
	assert.Equal(t, cdc.Position(2), batches[0].To)
	assert.Equal(t, cdc.Position(2), batches[1].From)
	assert.Equal(t, cdc.Position(4), batches[1].To)
	assert.Equal(t, cdc.Position(5), batches[2].To)
	assert.Len(t, batches[2].Records, 1)

	assert.Equal(t, Stats{Batches: 3, Read: 5, Inserts: 5, From: 0, To: 5}, stats)

	pos, ok, err := cp.Load(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cdc.Position(5), pos)
}

func TestDrain_FiltersToInserts(t *testing.T) {
	src := &memSource{}
	src.append(cdc.Insert, 1)
	src.append(cdc.UpdatePreimage, 1)
	src.append(cdc.UpdatePostimage, 1)
	src.append(cdc.Delete, 1)
	in := New(src, checkpoint.NewMemory(), Config{Pipeline: "p", Table: "src"})

	var batches []cdc.Batch
	stats, err := in.Drain(context.Background(), collect(&batches))
	require.NoError(t, err)

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Records, 1)
	assert.Equal(t, cdc.Insert, batches[0].Records[0].Type)
	assert.Equal(t, 4, stats.Read)
	assert.Equal(t, 1, stats.Inserts)
}

func TestDrain_NonInsertBatchStillAdvances(t *testing.T) {
	src := &memSource{}
	src.append(cdc.Delete, 1)
	src.append(cdc.Delete, 2)
	cp := checkpoint.NewMemory()
	in := New(src, cp, Config{Pipeline: "p", Table: "src"})

	var batches []cdc.Batch
	_, err := in.Drain(context.Background(), collect(&batches))
	require.NoError(t, err)

	require.Len(t, batches, 1)
	assert.True(t, batches[0].Empty())

	pos, _, _ := cp.Load(context.Background(), "p")
	assert.Equal(t, cdc.Position(2), pos)
}

func TestDrain_ResumesFromCheckpoint(t *testing.T) {
	src := &memSource{}
	for i := int64(1); i <= 4; i++ {
		src.append(cdc.Insert, i)
	}
	cp := checkpoint.NewMemory()
	require.NoError(t, cp.Save(context.Background(), "p", 3))
	in := New(src, cp, Config{Pipeline: "p", Table: "src"})

	var batches []cdc.Batch
	stats, err := in.Drain(context.Background(), collect(&batches))
	require.NoError(t, err)

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Records, 1)
	assert.Equal(t, cdc.Position(4), batches[0].Records[0].Position)
	assert.Equal(t, cdc.Position(3), stats.From)
}

func TestDrain_NothingPending(t *testing.T) {
	src := &memSource{}
	in := New(src, checkpoint.NewMemory(), Config{Pipeline: "p", Table: "src"})

	called := false
	stats, err := in.Drain(context.Background(), func(ctx context.Context, b cdc.Batch) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	assert.False(t, called)
	assert.Equal(t, 0, stats.Batches)
}

func TestDrain_HandlerFailureKeepsCheckpoint(t *testing.T) {
	src := &memSource{}
	for i := int64(1); i <= 4; i++ {
		src.append(cdc.Insert, i)
	}
	cp := checkpoint.NewMemory()
	in := New(src, cp, Config{Pipeline: "p", Table: "src", BatchSize: 2})

	boom := errors.New("merge failed")
	calls := 0
	stats, err := in.Drain(context.Background(), func(ctx context.Context, b cdc.Batch) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "batch (2, 4]")
	assert.Equal(t, 1, stats.Batches)

	pos, _, _ := cp.Load(context.Background(), "p")
	assert.Equal(t, cdc.Position(2), pos, "checkpoint must stay at the last committed batch")

	// Redelivery starts from the failed batch.
	var batches []cdc.Batch
	_, err = in.Drain(context.Background(), collect(&batches))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, cdc.Position(2), batches[0].From)
}

func TestDrain_CheckpointSaveFailureIsFatal(t *testing.T) {
	src := &memSource{}
	src.append(cdc.Insert, 1)
	src.append(cdc.Insert, 2)
	cp := checkpoint.NewMemory()
	cp.FailSaves(errors.New("read-only file system"))
	in := New(src, cp, Config{Pipeline: "p", Table: "src", BatchSize: 1})

	calls := 0
	_, err := in.Drain(context.Background(), func(ctx context.Context, b cdc.Batch) error {
		calls++
		return nil
	})
	require.Error(t, err)

	assert.True(t, IsCheckpoint(err))
	var ce *CheckpointError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, cdc.Position(1), ce.Position)
	assert.Equal(t, 1, calls, "drain must stop at the first unrecorded batch")
}

func TestDrain_BoundedByHeadAtStart(t *testing.T) {
	src := &memSource{}
	src.append(cdc.Insert, 1)
	src.append(cdc.Insert, 2)
	src.onChanges = func() {
		if len(src.log) < 10 {
			src.append(cdc.Insert, int64(len(src.log)+1))
		}
	}
	cp := checkpoint.NewMemory()
	in := New(src, cp, Config{Pipeline: "p", Table: "src", BatchSize: 5})

	var batches []cdc.Batch
	stats, err := in.Drain(context.Background(), collect(&batches))
	require.NoError(t, err)

	assert.Equal(t, cdc.Position(2), stats.To)
	assert.Equal(t, 2, stats.Inserts)
}

func TestDrain_CanceledContext(t *testing.T) {
	src := &memSource{}
	src.append(cdc.Insert, 1)
	in := New(src, checkpoint.NewMemory(), Config{Pipeline: "p", Table: "src"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := in.Drain(ctx, collect(new([]cdc.Batch)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPending(t *testing.T) {
	src := &memSource{}
	src.append(cdc.Insert, 1)
	src.append(cdc.Insert, 2)
	cp := checkpoint.NewMemory()
	require.NoError(t, cp.Save(context.Background(), "p", 1))
	in := New(src, cp, Config{Pipeline: "p", Table: "src"})

	from, head, err := in.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cdc.Position(1), from)
	assert.Equal(t, cdc.Position(2), head)
}
