package timeline

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusreplay/archive"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/INLOpen/nexusreplay/internal/clock"
	"github.com/INLOpen/nexusreplay/internal/testutil"
	"github.com/stretchr/testify/require"
)

// The fake simulation folds each tick's delta value into a running hash, so
// renderer state after checkpoint+replay must be bit-identical to the
// engine's snapshot at the same tick.

const foldPrime = 1099511628211

var errSnapshotUnavailable = errors.New("snapshot unavailable")

func fold(state, value uint64) uint64 {
	return state*foldPrime ^ value
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

const (
	waitTimeout  = 2 * time.Second
	pollInterval = time.Millisecond
)

// fakeEngine produces gapless ticks from a deterministic generator. Reset
// rewinds it to a past tick and switches to a divergent branch (different
// salt), modeling the host replacing the simulation on rewrite.
type fakeEngine struct {
	mu            sync.Mutex
	nextTick      uint64
	state         uint64
	salt          uint64
	failSnapshots bool
	history       map[uint64]uint64 // tick -> state after that tick
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{history: map[uint64]uint64{}}
}

func (e *fakeEngine) deltaValue(tick uint64) uint64 {
	return tick + e.salt*0x9E3779B97F4A7C15
}

func (e *fakeEngine) ProduceNextTick(ctx context.Context) (*core.TickRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tick := e.nextTick
	e.nextTick++
	value := e.deltaValue(tick)
	e.state = fold(e.state, value)
	e.history[tick] = e.state
	return &core.TickRecord{
		Tick:              tick,
		StateDelta:        u64(value),
		StructuredUpdates: u64(tick),
	}, nil
}

// FailSnapshots makes Snapshot return an error, so tests can suppress
// checkpoint capture.
func (e *fakeEngine) FailSnapshots(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failSnapshots = fail
}

func (e *fakeEngine) Snapshot(ctx context.Context) (*core.CheckpointRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSnapshots {
		return nil, errSnapshotUnavailable
	}
	var last uint64
	if e.nextTick > 0 {
		last = e.nextTick - 1
	}
	return &core.CheckpointRecord{
		Tick:      last,
		FullState: u64(e.state),
		Roster:    []byte("roster"),
	}, nil
}

// Reset rewinds the engine to atTick and switches to a divergent branch.
// The host calls this before BeginRewrite.
func (e *fakeEngine) Reset(atTick uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextTick = atTick + 1
	e.state = e.history[atTick]
	e.salt++
}

// StateAt returns the engine state recorded when the tick was produced.
func (e *fakeEngine) StateAt(tick uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history[tick]
}

// fakeRenderer mirrors the fake simulation's folding so state comparisons
// are exact. It records every call for ordering assertions.
type fakeRenderer struct {
	mu           sync.Mutex
	state        uint64
	applied      []uint64
	materialized []uint64
	// markAtMaterialize is len(applied) when the last materialize happened.
	markAtMaterialize int
}

func (r *fakeRenderer) ApplyDelta(rec *core.TickRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = fold(r.state, binary.BigEndian.Uint64(rec.StateDelta))
	r.applied = append(r.applied, rec.Tick)
	return nil
}

func (r *fakeRenderer) MaterializeCheckpoint(cp *core.CheckpointRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = binary.BigEndian.Uint64(cp.FullState)
	r.materialized = append(r.materialized, cp.Tick)
	r.markAtMaterialize = len(r.applied)
	return nil
}

func (r *fakeRenderer) State() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRenderer) Applied() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.applied...)
}

func (r *fakeRenderer) Materialized() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.materialized...)
}

// AppliedAfterLastMaterialize returns the deltas applied since the most
// recent checkpoint materialization, in call order.
func (r *fakeRenderer) AppliedAfterLastMaterialize() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.applied[r.markAtMaterialize:]...)
}

// eventRecorder captures hook events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []hooks.HookEvent
}

func (r *eventRecorder) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) Priority() int { return 1 }
func (r *eventRecorder) IsAsync() bool { return false }

func (r *eventRecorder) ofType(t hooks.EventType) []hooks.HookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hooks.HookEvent
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	engine     *fakeEngine
	renderer   *fakeRenderer
	store      *testutil.FakeStore
	archive    *archive.Archive
	controller *Controller
	clock      *clock.MockClock
	events     *eventRecorder
}

type fixtureConfig struct {
	store              *testutil.FakeStore
	checkpointInterval uint64
	tickCacheCapacity  int
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()

	st := cfg.store
	if st == nil {
		st = testutil.NewFakeStore()
	}
	interval := cfg.checkpointInterval
	if interval == 0 {
		interval = 300
	}
	tickCap := cfg.tickCacheCapacity
	if tickCap == 0 {
		tickCap = 4096
	}

	a, err := archive.NewArchive(archive.Options{
		Store:             st,
		TickCacheCapacity: tickCap,
	})
	require.NoError(t, err)

	mock := clock.NewMockClock(time.Unix(1000, 0))
	eng := newFakeEngine()
	ren := &fakeRenderer{}
	ctrl, err := NewController(Options{
		Archive:            a,
		Engine:             eng,
		Renderer:           ren,
		CheckpointInterval: interval,
		BaseTickInterval:   50 * time.Millisecond,
		Clock:              mock,
	})
	require.NoError(t, err)

	rec := &eventRecorder{}
	for _, et := range []hooks.EventType{
		hooks.EventRangeChanged, hooks.EventJump, hooks.EventModeChanged,
		hooks.EventSeekCompleted, hooks.EventSeekAbandoned,
		hooks.EventCheckpointArchived, hooks.EventTruncated,
		hooks.EventRewriteStarted, hooks.EventRewriteCaughtUp,
	} {
		ctrl.Hooks().Register(et, rec)
	}

	t.Cleanup(func() {
		require.NoError(t, ctrl.Close())
		_ = a.Close(context.Background())
	})

	return &fixture{
		engine:     eng,
		renderer:   ren,
		store:      st,
		archive:    a,
		controller: ctrl,
		clock:      mock,
		events:     rec,
	}
}

// record drives the tick loop until liveTick reaches the target. It always
// pulls at least one tick.
func (f *fixture) record(t *testing.T, throughTick uint64) {
	t.Helper()
	ctx := context.Background()
	for {
		require.NoError(t, f.controller.AdvanceTick(ctx))
		if f.controller.LiveTick() >= throughTick {
			return
		}
	}
}

// waitDisplay blocks until displayTick reaches want (async seeks resolve on
// their own goroutines).
func (f *fixture) waitDisplay(t *testing.T, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.controller.DisplayTick() == want
	}, waitTimeout, pollInterval, "displayTick should reach %d", want)
}

// waitMode blocks until the controller settles in the wanted mode.
func (f *fixture) waitMode(t *testing.T, want Mode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.controller.Mode() == want
	}, waitTimeout, pollInterval, "mode should reach %s", want)
}
