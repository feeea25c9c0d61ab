package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the timeline engine's failure taxonomy. I/O failures
// degrade, logic errors fail loudly; see the typed errors below for the
// variants carrying context.
var (
	// ErrStoreUnavailable marks durable storage as absent. The archive
	// degrades to memory-only; this is never fatal.
	ErrStoreUnavailable = errors.New("persistent store unavailable")

	// ErrRangeUnsatisfiable marks a replay range request that cannot be
	// served: a memory-only archive was asked for ticks that are not
	// cache-resident. This is a caller logic error and must fail loudly.
	ErrRangeUnsatisfiable = errors.New("tick range unsatisfiable")

	// ErrSeekUnsatisfiable marks a seek with no checkpoint at or before the
	// target. The seek is abandoned with state unchanged.
	ErrSeekUnsatisfiable = errors.New("no checkpoint at or before seek target")

	// ErrRewriteInProgress rejects a second rewrite while the first is
	// still truncating.
	ErrRewriteInProgress = errors.New("history rewrite already in progress")

	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("timeline component is closed")
)

// StoreIOError is a genuine read/write failure after storage was available.
// The archive records it as its storage-error string and treats the
// operation as cache-only; it never crosses the controller API as an error.
type StoreIOError struct {
	Op   string
	Tick uint64
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("store %s failed at tick %d: %v", e.Op, e.Tick, e.Err)
}

func (e *StoreIOError) Unwrap() error {
	return e.Err
}

// IsStoreIOError checks if an error (or any error in its chain) is a
// StoreIOError.
func IsStoreIOError(err error) bool {
	var ioErr *StoreIOError
	return errors.As(err, &ioErr)
}

// RangeError wraps ErrRangeUnsatisfiable with the requested range and the
// first missing tick, so the failure message names the exact gap.
type RangeError struct {
	From        uint64
	To          uint64
	MissingTick uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("tick range [%d, %d] unsatisfiable: tick %d is not resident and the store cannot serve it", e.From, e.To, e.MissingTick)
}

func (e *RangeError) Unwrap() error {
	return ErrRangeUnsatisfiable
}
