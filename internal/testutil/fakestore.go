// Package testutil provides shared test doubles for the timeline engine.
package testutil

import (
	"context"
	"sync"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/store"
)

// FakeStore is an in-memory store.Interface with injectable failures and a
// write gate for racing truncation against slow I/O. The zero value is an
// unavailable store; use NewFakeStore for an available one.
type FakeStore struct {
	mu          sync.Mutex
	available   bool
	ticks       map[uint64]*core.TickRecord
	checkpoints map[uint64]*core.CheckpointRecord

	// PutErr / GetErr / RangeErr / DeleteErr fail the matching operations
	// when set.
	PutErr    error
	GetErr    error
	RangeErr  error
	DeleteErr error

	// WriteGate, when non-nil, blocks every put until the channel closes.
	WriteGate chan struct{}
	// ReadGate, when non-nil, blocks checkpoint and range reads until the
	// channel closes. Lets tests park a seek mid-flight.
	ReadGate chan struct{}

	putCount    int
	deleteCount int
}

var _ store.Interface = (*FakeStore)(nil)

// NewFakeStore creates an available, empty fake store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		available:   true,
		ticks:       make(map[uint64]*core.TickRecord),
		checkpoints: make(map[uint64]*core.CheckpointRecord),
	}
}

// NewUnavailableStore creates a fake store that degrades every operation to
// a no-op, like a real store without a data directory.
func NewUnavailableStore() *FakeStore {
	return &FakeStore{}
}

func (s *FakeStore) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SetAvailable flips availability mid-test.
func (s *FakeStore) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
	if available && s.ticks == nil {
		s.ticks = make(map[uint64]*core.TickRecord)
		s.checkpoints = make(map[uint64]*core.CheckpointRecord)
	}
}

// PutCount reports how many puts have landed (ticks plus checkpoints).
func (s *FakeStore) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCount
}

func (s *FakeStore) waitGate() {
	s.mu.Lock()
	gate := s.WriteGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (s *FakeStore) waitReadGate() {
	s.mu.Lock()
	gate := s.ReadGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (s *FakeStore) PutTickRecord(ctx context.Context, rec *core.TickRecord) error {
	if !s.Available() {
		return nil
	}
	s.waitGate()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	s.ticks[rec.Tick] = rec.Clone()
	s.putCount++
	return nil
}

func (s *FakeStore) GetTickRecord(ctx context.Context, tick uint64) (*core.TickRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil, false, nil
	}
	if s.GetErr != nil {
		return nil, false, s.GetErr
	}
	rec, ok := s.ticks[tick]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *FakeStore) GetTickRecordRange(ctx context.Context, from, to uint64) ([]*core.TickRecord, error) {
	if s.Available() {
		s.waitReadGate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available || from > to {
		return nil, nil
	}
	if s.RangeErr != nil {
		return nil, s.RangeErr
	}
	var out []*core.TickRecord
	for tick := from; tick <= to; tick++ {
		if rec, ok := s.ticks[tick]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *FakeStore) DeleteTickRecordsAfter(ctx context.Context, cut uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	for tick := range s.ticks {
		if tick > cut {
			delete(s.ticks, tick)
		}
	}
	s.deleteCount++
	return nil
}

func (s *FakeStore) PutCheckpoint(ctx context.Context, cp *core.CheckpointRecord) error {
	if !s.Available() {
		return nil
	}
	s.waitGate()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	s.checkpoints[cp.Tick] = cp.Clone()
	s.putCount++
	return nil
}

func (s *FakeStore) GetCheckpoint(ctx context.Context, tick uint64) (*core.CheckpointRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil, false, nil
	}
	if s.GetErr != nil {
		return nil, false, s.GetErr
	}
	cp, ok := s.checkpoints[tick]
	if !ok {
		return nil, false, nil
	}
	return cp.Clone(), true, nil
}

func (s *FakeStore) GetCheckpointAtOrBefore(ctx context.Context, tick uint64) (*core.CheckpointRecord, bool, error) {
	if s.Available() {
		s.waitReadGate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil, false, nil
	}
	if s.GetErr != nil {
		return nil, false, s.GetErr
	}
	var best *core.CheckpointRecord
	for t, cp := range s.checkpoints {
		if t > tick {
			continue
		}
		if best == nil || t > best.Tick {
			best = cp
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Clone(), true, nil
}

func (s *FakeStore) DeleteCheckpointsAfter(ctx context.Context, cut uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	for tick := range s.checkpoints {
		if tick > cut {
			delete(s.checkpoints, tick)
		}
	}
	s.deleteCount++
	return nil
}

func (s *FakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = false
	return nil
}

// HasTick reports whether the store currently holds the tick. Test helper.
func (s *FakeStore) HasTick(tick uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ticks[tick]
	return ok
}

// HasCheckpoint reports whether the store currently holds a checkpoint at
// exactly this tick. Test helper.
func (s *FakeStore) HasCheckpoint(tick uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkpoints[tick]
	return ok
}

// TickRecordAt builds a deterministic tick record for tests.
func TickRecordAt(tick uint64) *core.TickRecord {
	return &core.TickRecord{
		Tick:              tick,
		StateDelta:        []byte{byte(tick), byte(tick >> 8), 0xD1},
		StructuredUpdates: []byte{byte(tick), 0xE2},
		AuxiliaryViewData: []byte{byte(tick), 0xF3},
	}
}

// CheckpointAt builds a deterministic checkpoint for tests.
func CheckpointAt(tick uint64) *core.CheckpointRecord {
	return &core.CheckpointRecord{
		Tick:      tick,
		FullState: []byte{byte(tick), byte(tick >> 8), 0xC0},
		Roster:    []byte{0x01},
		Units:     []byte{0x02},
	}
}
