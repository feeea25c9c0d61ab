// Package archive unifies the bounded in-memory caches with the durable
// store into one tick-indexed log plus a checkpoint side-log. It owns the
// engine's storage-error surfacing and the in-flight write tracking that
// makes history truncation safe against fire-and-forget writes.
package archive

import (
	"context"
	"expvar"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/INLOpen/nexusreplay/cache"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/INLOpen/nexusreplay/internal/clock"
	"github.com/INLOpen/nexusreplay/store"
	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultTickCacheCapacity keeps roughly a minute of 60Hz history
	// resident.
	DefaultTickCacheCapacity = 4096
	// DefaultCheckpointCacheCapacity covers the reference scale of tens of
	// cached checkpoints.
	DefaultCheckpointCacheCapacity = 50
	// DefaultMaxPendingWrites bounds fire-and-forget store writes before
	// PutTickRecord starts applying backpressure.
	DefaultMaxPendingWrites = 256
)

// Options configures an Archive.
type Options struct {
	// Store is the durable layer. Required; pass an unavailable store for a
	// memory-only archive.
	Store store.Interface

	TickCacheCapacity       int
	CheckpointCacheCapacity int
	// MaxPendingWrites bounds the outstanding async store writes.
	MaxPendingWrites int64

	Logger         *slog.Logger
	Clock          clock.Clock
	TracerProvider trace.TracerProvider
	// HookManager receives storage-error and truncation events. Optional.
	HookManager hooks.HookManager
}

// Archive is the tick-indexed log. Writes go through the cache synchronously
// and to the store asynchronously; reads prefer the cache and fall back to
// the store, backfilling the cache on the way out.
type Archive struct {
	tickCache       *cache.LRUCache[*core.TickRecord]
	checkpointCache *cache.OrderedCache[*core.CheckpointRecord]
	store           store.Interface

	mu          sync.Mutex
	inFlight    map[uint64]chan struct{}
	nextWriteID uint64
	highestTick uint64
	hasTicks    bool
	storageErr  string
	closed      bool

	// resident tracks cache-resident tick numbers under its own lock, so
	// the LRU eviction callback never has to take a.mu.
	residentMu sync.Mutex
	resident   *roaring64.Bitmap

	writeSem *semaphore.Weighted
	logger   *slog.Logger
	clock    clock.Clock
	tracer   trace.Tracer
	hooks    hooks.HookManager

	tickHits, tickMisses             expvar.Int
	checkpointHits, checkpointMisses expvar.Int
}

// NewArchive creates an Archive over the given store.
func NewArchive(opts Options) (*Archive, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	logger = logger.With("component", "Archive")

	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClockDefault
	}

	tickCapacity := opts.TickCacheCapacity
	if tickCapacity == 0 {
		tickCapacity = DefaultTickCacheCapacity
	}
	checkpointCapacity := opts.CheckpointCacheCapacity
	if checkpointCapacity == 0 {
		checkpointCapacity = DefaultCheckpointCacheCapacity
	}
	maxPending := opts.MaxPendingWrites
	if maxPending == 0 {
		maxPending = DefaultMaxPendingWrites
	}

	a := &Archive{
		store:    opts.Store,
		inFlight: make(map[uint64]chan struct{}),
		resident: roaring64.New(),
		writeSem: semaphore.NewWeighted(maxPending),
		logger:   logger,
		clock:    clk,
		hooks:    opts.HookManager,
	}

	if opts.TracerProvider != nil {
		a.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusreplay/archive")
	} else {
		a.tracer = noop.NewTracerProvider().Tracer("")
	}

	tickCache, err := cache.NewLRUCache[*core.TickRecord](tickCapacity, a.onTickEvicted, nil, nil)
	if err != nil {
		return nil, err
	}
	tickCache.SetMetrics(&a.tickHits, &a.tickMisses)
	a.tickCache = tickCache

	checkpointCache, err := cache.NewOrderedCache[*core.CheckpointRecord](checkpointCapacity)
	if err != nil {
		return nil, err
	}
	checkpointCache.SetMetrics(&a.checkpointHits, &a.checkpointMisses)
	a.checkpointCache = checkpointCache

	return a, nil
}

// onTickEvicted keeps the residency bitmap in sync with LRU eviction.
func (a *Archive) onTickEvicted(tick uint64, _ *core.TickRecord) {
	a.residentMu.Lock()
	a.resident.Remove(tick)
	a.residentMu.Unlock()
}

func (a *Archive) markResident(tick uint64) {
	a.residentMu.Lock()
	a.resident.Add(tick)
	a.residentMu.Unlock()
}

// PutTickRecord writes the record through the cache synchronously and to the
// store asynchronously. Store failures never block or propagate; the last
// one is readable via StorageError.
func (a *Archive) PutTickRecord(ctx context.Context, rec *core.TickRecord) error {
	_, span := a.tracer.Start(ctx, "Archive.PutTickRecord")
	defer span.End()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return core.ErrClosed
	}
	if !a.hasTicks || rec.Tick > a.highestTick {
		a.highestTick = rec.Tick
		a.hasTicks = true
	}
	a.mu.Unlock()

	a.tickCache.Put(rec.Tick, rec)
	a.markResident(rec.Tick)

	if !a.store.Available() {
		return nil
	}
	return a.launchWrite(ctx, "put_tick", rec.Tick, func(writeCtx context.Context) error {
		return a.store.PutTickRecord(writeCtx, rec)
	})
}

// PutCheckpoint writes the checkpoint through the cache synchronously and to
// the store asynchronously, sharing the in-flight write set with tick
// records so truncation drains both.
func (a *Archive) PutCheckpoint(ctx context.Context, cp *core.CheckpointRecord) error {
	_, span := a.tracer.Start(ctx, "Archive.PutCheckpoint")
	defer span.End()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return core.ErrClosed
	}
	a.mu.Unlock()

	a.checkpointCache.Put(cp.Tick, cp)

	if !a.store.Available() {
		return nil
	}
	return a.launchWrite(ctx, "put_checkpoint", cp.Tick, func(writeCtx context.Context) error {
		return a.store.PutCheckpoint(writeCtx, cp)
	})
}

// launchWrite registers an in-flight write and launches it. Registration is
// synchronous, so a truncation entered after this call returns is guaranteed
// to await the write.
func (a *Archive) launchWrite(ctx context.Context, op string, tick uint64, write func(context.Context) error) error {
	if err := a.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.writeSem.Release(1)
		return core.ErrClosed
	}
	id := a.nextWriteID
	a.nextWriteID++
	done := make(chan struct{})
	a.inFlight[id] = done
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.inFlight, id)
			a.mu.Unlock()
			close(done)
			a.writeSem.Release(1)
		}()

		// The caller's context governs registration only; the write itself
		// is fire-and-forget and must not be cancelled with the request.
		if err := write(context.Background()); err != nil {
			a.recordStorageError(op, tick, err)
		}
	}()
	return nil
}

// recordStorageError remembers the failure as a human-readable notice and
// fans it out to hook listeners. The session continues cache-only.
func (a *Archive) recordStorageError(op string, tick uint64, err error) {
	a.mu.Lock()
	a.storageErr = err.Error()
	a.mu.Unlock()

	a.logger.Warn("Store operation failed, continuing cache-only", "op", op, "tick", tick, "error", err)
	if a.hooks != nil {
		_ = a.hooks.Trigger(context.Background(), hooks.NewStorageErrorEvent(hooks.StorageErrorPayload{
			Op:      op,
			Tick:    tick,
			Message: err.Error(),
		}))
	}
}

// StorageError returns the last store failure as a human-readable string,
// empty when storage has been healthy.
func (a *Archive) StorageError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.storageErr
}

// GetTickRecord returns the record for a tick, preferring the cache and
// falling back to the store. A store failure is recorded and reported as
// absent, never as an error.
func (a *Archive) GetTickRecord(ctx context.Context, tick uint64) (*core.TickRecord, bool) {
	_, span := a.tracer.Start(ctx, "Archive.GetTickRecord")
	defer span.End()

	if rec, ok := a.tickCache.Get(tick); ok {
		return rec, true
	}
	if !a.store.Available() {
		return nil, false
	}

	rec, found, err := a.store.GetTickRecord(ctx, tick)
	if err != nil {
		a.recordStorageError("get_tick", tick, err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	a.tickCache.Put(tick, rec)
	a.markResident(tick)
	return rec, true
}

// GetTickRecordRange returns the records for every tick in [from, to] in
// ascending order. With an available store the scan is delegated and the
// cache backfilled; cache-resident records also cover any store gaps (a tick
// whose async write failed is still served). A tick absent from both sources
// is a hard RangeError: the caller asked for history that does not exist.
func (a *Archive) GetTickRecordRange(ctx context.Context, from, to uint64) ([]*core.TickRecord, error) {
	_, span := a.tracer.Start(ctx, "Archive.GetTickRecordRange")
	defer span.End()

	if from > to {
		return nil, nil
	}

	var fromStore map[uint64]*core.TickRecord
	if a.store.Available() {
		records, err := a.store.GetTickRecordRange(ctx, from, to)
		if err != nil {
			// Soft failure: fall through to whatever the cache holds.
			a.recordStorageError("range_tick", from, err)
		} else {
			fromStore = make(map[uint64]*core.TickRecord, len(records))
			for _, rec := range records {
				fromStore[rec.Tick] = rec
				a.tickCache.Put(rec.Tick, rec)
				a.markResident(rec.Tick)
			}
		}
	}

	out := make([]*core.TickRecord, 0, to-from+1)
	for tick := from; ; tick++ {
		if rec, ok := a.tickCache.Get(tick); ok {
			out = append(out, rec)
		} else if rec, ok := fromStore[tick]; ok {
			out = append(out, rec)
		} else {
			return nil, &core.RangeError{From: from, To: to, MissingTick: tick}
		}
		if tick == to {
			break
		}
	}
	return out, nil
}

// GetCheckpointAtOrBefore returns the checkpoint with the largest tick <=
// the target. Cache-resident checkpoints are consulted first; the store is
// only asked when no cached candidate qualifies.
func (a *Archive) GetCheckpointAtOrBefore(ctx context.Context, tick uint64) (*core.CheckpointRecord, bool) {
	_, span := a.tracer.Start(ctx, "Archive.GetCheckpointAtOrBefore")
	defer span.End()

	if _, cp, ok := a.checkpointCache.AtOrBefore(tick); ok {
		return cp, true
	}
	if !a.store.Available() {
		return nil, false
	}

	cp, found, err := a.store.GetCheckpointAtOrBefore(ctx, tick)
	if err != nil {
		a.recordStorageError("get_checkpoint_at_or_before", tick, err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	a.checkpointCache.Put(cp.Tick, cp)
	return cp, true
}

// TruncateAfterTick discards all history after the cut tick. It first awaits
// every write in flight at call time; fire-and-forget writes racing the
// delete could otherwise land afterwards and silently resurrect a discarded
// tick. Only then are cache and store entries above the cut removed.
func (a *Archive) TruncateAfterTick(ctx context.Context, cut uint64) error {
	_, span := a.tracer.Start(ctx, "Archive.TruncateAfterTick")
	defer span.End()

	start := a.clock.Now()
	awaited, err := a.waitForInFlightSnapshot(ctx)
	if err != nil {
		return err
	}

	for _, tick := range a.tickCache.Keys() {
		if tick > cut {
			a.tickCache.Delete(tick)
		}
	}
	a.residentMu.Lock()
	if cut < math.MaxUint64 {
		a.resident.RemoveRange(cut+1, math.MaxUint64)
		a.resident.Remove(math.MaxUint64)
	}
	a.residentMu.Unlock()
	a.checkpointCache.DeleteAfter(cut)

	if err := a.store.DeleteTickRecordsAfter(ctx, cut); err != nil {
		a.recordStorageError("delete_ticks_after", cut, err)
	}
	if err := a.store.DeleteCheckpointsAfter(ctx, cut); err != nil {
		a.recordStorageError("delete_checkpoints_after", cut, err)
	}

	a.mu.Lock()
	if a.hasTicks && a.highestTick > cut {
		a.highestTick = cut
	}
	a.mu.Unlock()

	a.logger.Info("Truncated history", "cut_tick", cut, "awaited_writes", awaited)
	if a.hooks != nil {
		_ = a.hooks.Trigger(context.Background(), hooks.NewTruncatedEvent(hooks.TruncatedPayload{
			CutTick:       cut,
			AwaitedWrites: awaited,
			Duration:      a.clock.Now().Sub(start),
		}))
	}
	return nil
}

// WaitForInFlightWrites blocks until every write in flight at call time has
// resolved, success or failure.
func (a *Archive) WaitForInFlightWrites(ctx context.Context) error {
	_, err := a.waitForInFlightSnapshot(ctx)
	return err
}

// waitForInFlightSnapshot waits out the writes registered before the call.
// Writes launched afterwards are not waited for.
func (a *Archive) waitForInFlightSnapshot(ctx context.Context) (int, error) {
	a.mu.Lock()
	pending := make([]chan struct{}, 0, len(a.inFlight))
	for _, done := range a.inFlight {
		pending = append(pending, done)
	}
	a.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return len(pending), nil
}

// HighestTick reports the highest tick ever archived on the current branch,
// and false when nothing has been recorded yet.
func (a *Archive) HighestTick() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highestTick, a.hasTicks
}

// ResidentTicks returns a snapshot of the cache-resident tick numbers.
func (a *Archive) ResidentTicks() *roaring64.Bitmap {
	a.residentMu.Lock()
	defer a.residentMu.Unlock()
	return a.resident.Clone()
}

// Stats is a point-in-time snapshot of the archive's counters.
type Stats struct {
	TickCacheLen          int
	TickCacheHits         int64
	TickCacheMisses       int64
	CheckpointCacheLen    int
	CheckpointCacheHits   int64
	CheckpointCacheMisses int64
	ResidentTicks         uint64
	PendingWrites         int
	StorageError          string
}

// GetStats returns current archive counters.
func (a *Archive) GetStats() Stats {
	a.mu.Lock()
	pending := len(a.inFlight)
	storageErr := a.storageErr
	a.mu.Unlock()

	a.residentMu.Lock()
	resident := a.resident.GetCardinality()
	a.residentMu.Unlock()

	return Stats{
		TickCacheLen:          a.tickCache.Len(),
		TickCacheHits:         a.tickHits.Value(),
		TickCacheMisses:       a.tickMisses.Value(),
		CheckpointCacheLen:    a.checkpointCache.Len(),
		CheckpointCacheHits:   a.checkpointHits.Value(),
		CheckpointCacheMisses: a.checkpointMisses.Value(),
		ResidentTicks:         resident,
		PendingWrites:         pending,
		StorageError:          storageErr,
	}
}

// Close drains in-flight writes and closes the store. Further writes return
// ErrClosed.
func (a *Archive) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if _, err := a.waitForInFlightSnapshot(ctx); err != nil {
		return err
	}
	return a.store.Close()
}
