// Package core holds the shared data model of the timeline engine: the two
// record kinds flowing through the archive, their binary codecs, the error
// taxonomy, and the compression contract stored values are written against.
package core

// TickRecord is the incremental state delta produced by one simulation tick.
// Records are immutable once written, one per tick per branch, and appended
// in strictly increasing tick order during live recording. All payloads are
// opaque to the engine.
type TickRecord struct {
	// Tick identifies the simulation step this delta belongs to.
	Tick uint64
	// StateDelta is the binary world-state delta the renderer applies.
	StateDelta []byte
	// StructuredUpdates carries the tick's structured event payload.
	StructuredUpdates []byte
	// AuxiliaryViewData carries per-entity display metadata.
	AuxiliaryViewData []byte
}

// CheckpointRecord is a complete, self-sufficient snapshot of simulation
// state at a given tick: materializing it requires no prior history.
// Checkpoints are taken every CheckpointInterval ticks during recording and
// ad hoc at the branch point of a history rewrite.
type CheckpointRecord struct {
	Tick uint64
	// FullState reconstructs renderer/engine state with no prior history.
	FullState []byte
	// Roster and Units are auxiliary roster/unit payloads kept alongside
	// the full state so consumers need not decode it for list views.
	Roster []byte
	Units  []byte
}

// Clone returns a deep copy. Archive cache entries are shared between the
// writer and concurrent readers, so callers that mutate payloads must clone.
func (r *TickRecord) Clone() *TickRecord {
	if r == nil {
		return nil
	}
	return &TickRecord{
		Tick:              r.Tick,
		StateDelta:        append([]byte(nil), r.StateDelta...),
		StructuredUpdates: append([]byte(nil), r.StructuredUpdates...),
		AuxiliaryViewData: append([]byte(nil), r.AuxiliaryViewData...),
	}
}

// Clone returns a deep copy of the checkpoint.
func (c *CheckpointRecord) Clone() *CheckpointRecord {
	if c == nil {
		return nil
	}
	return &CheckpointRecord{
		Tick:      c.Tick,
		FullState: append([]byte(nil), c.FullState...),
		Roster:    append([]byte(nil), c.Roster...),
		Units:     append([]byte(nil), c.Units...),
	}
}
