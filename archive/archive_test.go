package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T, st *testutil.FakeStore) *Archive {
	t.Helper()
	a, err := NewArchive(Options{
		Store:                   st,
		TickCacheCapacity:       64,
		CheckpointCacheCapacity: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestArchive_WriteThroughAndReadBack(t *testing.T) {
	st := testutil.NewFakeStore()
	a := newTestArchive(t, st)
	ctx := context.Background()

	rec := testutil.TickRecordAt(42)
	require.NoError(t, a.PutTickRecord(ctx, rec))

	// Cache serves the read immediately, before the async store write lands.
	got, ok := a.GetTickRecord(ctx, 42)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	require.NoError(t, a.WaitForInFlightWrites(ctx))
	assert.True(t, st.HasTick(42), "async write should land in the store")

	highest, ok := a.HighestTick()
	require.True(t, ok)
	assert.Equal(t, uint64(42), highest)
}

func TestArchive_ReadFallsBackToStoreAndBackfills(t *testing.T) {
	st := testutil.NewFakeStore()
	a := newTestArchive(t, st)
	ctx := context.Background()

	rec := testutil.TickRecordAt(7)
	require.NoError(t, st.PutTickRecord(ctx, rec))

	got, ok := a.GetTickRecord(ctx, 7)
	require.True(t, ok, "store-resident record should be readable through the archive")
	assert.Equal(t, rec, got)
	assert.True(t, a.ResidentTicks().Contains(7), "store read should backfill the cache")

	stats := a.GetStats()
	assert.Equal(t, 1, stats.TickCacheLen)
}

func TestArchive_StoreWriteFailureIsSoft(t *testing.T) {
	st := testutil.NewFakeStore()
	st.PutErr = errors.New("disk full")
	a := newTestArchive(t, st)
	ctx := context.Background()

	require.NoError(t, a.PutTickRecord(ctx, testutil.TickRecordAt(500)),
		"a store write failure must not propagate to the writer")
	require.NoError(t, a.WaitForInFlightWrites(ctx))

	assert.Contains(t, a.StorageError(), "disk full", "the failure must be surfaced as a notice")

	// The record is still served from cache.
	_, ok := a.GetTickRecord(ctx, 500)
	assert.True(t, ok)
}

func TestArchive_DegradedStoreRangeRead(t *testing.T) {
	a := newTestArchive(t, testutil.NewUnavailableStore())
	ctx := context.Background()

	for _, tick := range []uint64{10, 11, 12} {
		require.NoError(t, a.PutTickRecord(ctx, testutil.TickRecordAt(tick)))
	}

	records, err := a.GetTickRecordRange(ctx, 10, 12)
	require.NoError(t, err, "a fully cache-resident range must succeed without a store")
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, uint64(10+i), rec.Tick)
	}

	_, err = a.GetTickRecordRange(ctx, 10, 13)
	require.ErrorIs(t, err, core.ErrRangeUnsatisfiable,
		"an uncached tick with no store is a caller logic error, not a soft failure")
	var rangeErr *core.RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, uint64(13), rangeErr.MissingTick)
}

func TestArchive_RangeReadDelegatesAndOverlaysCache(t *testing.T) {
	st := testutil.NewFakeStore()
	a := newTestArchive(t, st)
	ctx := context.Background()

	// Ticks 1..5 durable; tick 3's write "failed" and exists only in cache.
	for _, tick := range []uint64{1, 2, 4, 5} {
		require.NoError(t, st.PutTickRecord(ctx, testutil.TickRecordAt(tick)))
	}
	st.PutErr = errors.New("write failed")
	require.NoError(t, a.PutTickRecord(ctx, testutil.TickRecordAt(3)))
	require.NoError(t, a.WaitForInFlightWrites(ctx))
	require.False(t, st.HasTick(3))

	records, err := a.GetTickRecordRange(ctx, 1, 5)
	require.NoError(t, err, "a cache-resident record must cover a store gap")
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, uint64(1+i), rec.Tick, "range must come back in ascending order")
	}

	// from > to is empty, not an error.
	records, err = a.GetTickRecordRange(ctx, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestArchive_CheckpointAtOrBefore(t *testing.T) {
	st := testutil.NewFakeStore()
	a := newTestArchive(t, st)
	ctx := context.Background()

	for _, tick := range []uint64{0, 300, 600} {
		require.NoError(t, a.PutCheckpoint(ctx, testutil.CheckpointAt(tick)))
	}

	cases := []struct {
		target uint64
		want   uint64
	}{
		{0, 0}, {299, 0},
		{300, 300}, {450, 300}, {599, 300},
		{600, 600}, {10000, 600},
	}
	for _, tc := range cases {
		cp, ok := a.GetCheckpointAtOrBefore(ctx, tc.target)
		require.True(t, ok, "target %d", tc.target)
		assert.Equal(t, tc.want, cp.Tick, "target %d", tc.target)
	}
}

func TestArchive_CheckpointFallsBackToStore(t *testing.T) {
	st := testutil.NewFakeStore()
	a := newTestArchive(t, st)
	ctx := context.Background()

	// Only the store knows about this checkpoint (e.g. from a prior session).
	require.NoError(t, st.PutCheckpoint(ctx, testutil.CheckpointAt(300)))

	cp, ok := a.GetCheckpointAtOrBefore(ctx, 450)
	require.True(t, ok)
	assert.Equal(t, uint64(300), cp.Tick)

	// Backfilled: a second lookup is served from cache even if the store
	// now fails.
	st.GetErr = errors.New("read error")
	cp, ok = a.GetCheckpointAtOrBefore(ctx, 450)
	require.True(t, ok)
	assert.Equal(t, uint64(300), cp.Tick)

	// No checkpoint at or before 0 anywhere: absent, not an error.
	st.GetErr = nil
	_, ok = a.GetCheckpointAtOrBefore(ctx, 0)
	assert.False(t, ok)
}

func TestArchive_TruncationAwaitsInFlightWrites(t *testing.T) {
	st := testutil.NewFakeStore()
	gate := make(chan struct{})
	st.WriteGate = gate
	a := newTestArchive(t, st)
	ctx := context.Background()

	// The write for tick 500 parks on the gate inside the store.
	require.NoError(t, a.PutTickRecord(ctx, testutil.TickRecordAt(500)))

	truncated := make(chan error, 1)
	go func() {
		truncated <- a.TruncateAfterTick(ctx, 400)
	}()

	select {
	case <-truncated:
		t.Fatal("truncation must not complete while a write is in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Release the write; truncation proceeds and deletes tick 500 after it
	// landed, so the slow write cannot resurrect the discarded tick.
	close(gate)
	require.NoError(t, <-truncated)

	assert.False(t, st.HasTick(500), "tick 500 must be gone from the store")
	_, ok := a.GetTickRecord(ctx, 500)
	assert.False(t, ok, "tick 500 must be gone from the cache")
	assert.False(t, a.ResidentTicks().Contains(500))

	highest, hasTicks := a.HighestTick()
	require.True(t, hasTicks)
	assert.Equal(t, uint64(400), highest, "truncation clamps the highest recorded tick")
}

func TestArchive_TruncateRemovesCheckpointsAboveCut(t *testing.T) {
	st := testutil.NewFakeStore()
	a := newTestArchive(t, st)
	ctx := context.Background()

	for _, tick := range []uint64{0, 300, 600, 900} {
		require.NoError(t, a.PutCheckpoint(ctx, testutil.CheckpointAt(tick)))
	}
	require.NoError(t, a.WaitForInFlightWrites(ctx))

	require.NoError(t, a.TruncateAfterTick(ctx, 500))

	cp, ok := a.GetCheckpointAtOrBefore(ctx, 10000)
	require.True(t, ok)
	assert.Equal(t, uint64(300), cp.Tick, "checkpoints above the cut must be unreachable")
	assert.False(t, st.HasCheckpoint(600))
	assert.False(t, st.HasCheckpoint(900))
}

func TestArchive_LRUEvictionUpdatesResidency(t *testing.T) {
	st := testutil.NewUnavailableStore()
	a, err := NewArchive(Options{Store: st, TickCacheCapacity: 3, CheckpointCacheCapacity: 2})
	require.NoError(t, err)
	ctx := context.Background()

	for tick := uint64(1); tick <= 4; tick++ {
		require.NoError(t, a.PutTickRecord(ctx, testutil.TickRecordAt(tick)))
	}

	// Capacity 3: tick 1 was evicted by the fourth insert.
	resident := a.ResidentTicks()
	assert.False(t, resident.Contains(1))
	assert.True(t, resident.Contains(2))
	assert.True(t, resident.Contains(4))
	assert.Equal(t, uint64(3), resident.GetCardinality())

	// A range over the evicted tick is now unsatisfiable memory-only.
	_, err = a.GetTickRecordRange(ctx, 1, 4)
	assert.ErrorIs(t, err, core.ErrRangeUnsatisfiable)
}

func TestArchive_ClosedRejectsWrites(t *testing.T) {
	a := newTestArchive(t, testutil.NewFakeStore())
	ctx := context.Background()

	require.NoError(t, a.Close(ctx))
	assert.ErrorIs(t, a.PutTickRecord(ctx, testutil.TickRecordAt(1)), core.ErrClosed)
	assert.ErrorIs(t, a.PutCheckpoint(ctx, testutil.CheckpointAt(1)), core.ErrClosed)
	assert.NoError(t, a.Close(ctx), "Close is idempotent")
}
