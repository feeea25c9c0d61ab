package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusreplay/core"
)

// simEngine is a deterministic synthetic simulation: a handful of bodies
// orbit a grid, advanced by a seeded xorshift generator. Resetting to a past
// tick with a new seed produces a divergent branch, which is exactly what a
// history rewrite needs.
type simEngine struct {
	mu       sync.Mutex
	nextTick uint64
	seed     uint64
	bodies   []body
	// states remembers the post-tick body positions so Reset can rewind.
	states map[uint64][]body
}

type body struct {
	X, Y int32
	VX   int32
	VY   int32
}

func newSimEngine(bodies int, seed uint64) *simEngine {
	e := &simEngine{
		seed:   seed,
		bodies: make([]body, bodies),
		states: make(map[uint64][]body),
	}
	for i := range e.bodies {
		e.bodies[i] = body{X: int32(i * 16), Y: int32(i * 9), VX: 1, VY: -1}
	}
	return e
}

func (e *simEngine) rand(tick uint64) uint64 {
	x := tick ^ e.seed
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

func (e *simEngine) ProduceNextTick(ctx context.Context) (*core.TickRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tick := e.nextTick
	e.nextTick++
	r := e.rand(tick)

	delta := make([]byte, 0, len(e.bodies)*8)
	for i := range e.bodies {
		b := &e.bodies[i]
		// Nudge velocity pseudo-randomly, then integrate.
		b.VX += int32(r>>uint(i%32)&3) - 1
		b.VY += int32(r>>uint((i+7)%32)&3) - 1
		b.X += b.VX
		b.Y += b.VY
		delta = binary.BigEndian.AppendUint32(delta, uint32(b.X))
		delta = binary.BigEndian.AppendUint32(delta, uint32(b.Y))
	}
	e.states[tick] = append([]body(nil), e.bodies...)

	return &core.TickRecord{
		Tick:              tick,
		StateDelta:        delta,
		StructuredUpdates: binary.BigEndian.AppendUint64(nil, r),
	}, nil
}

func (e *simEngine) Snapshot(ctx context.Context) (*core.CheckpointRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var last uint64
	if e.nextTick > 0 {
		last = e.nextTick - 1
	}
	full := make([]byte, 0, len(e.bodies)*16)
	for _, b := range e.bodies {
		full = binary.BigEndian.AppendUint32(full, uint32(b.X))
		full = binary.BigEndian.AppendUint32(full, uint32(b.Y))
		full = binary.BigEndian.AppendUint32(full, uint32(b.VX))
		full = binary.BigEndian.AppendUint32(full, uint32(b.VY))
	}
	return &core.CheckpointRecord{
		Tick:      last,
		FullState: full,
		Roster:    []byte(fmt.Sprintf("bodies=%d", len(e.bodies))),
	}, nil
}

// Reset rewinds the simulation to a past tick and reseeds it, starting a
// divergent branch. Must be called before the timeline rewrite.
func (e *simEngine) Reset(atTick uint64, seed uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[atTick]; ok {
		e.bodies = append([]body(nil), st...)
	}
	e.nextTick = atTick + 1
	e.seed = seed
}

// logRenderer stands in for a real display: it logs what it is told to draw.
type logRenderer struct {
	logger *slog.Logger
}

func (r *logRenderer) ApplyDelta(rec *core.TickRecord) error {
	r.logger.Debug("render delta", "tick", rec.Tick, "delta_bytes", len(rec.StateDelta))
	return nil
}

func (r *logRenderer) MaterializeCheckpoint(cp *core.CheckpointRecord) error {
	r.logger.Info("render full state", "tick", cp.Tick, "state_bytes", len(cp.FullState))
	return nil
}
