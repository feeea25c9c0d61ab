// Package hooks provides the timeline engine's event bus: UI-facing status
// events (range changes, jumps) and internal lifecycle events (checkpoints,
// truncation, storage errors) flow through a HookManager to registered
// listeners in priority order.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// UI-facing status events.
	EventRangeChanged EventType = "RangeChanged"
	EventJump         EventType = "Jump"
	EventModeChanged  EventType = "ModeChanged"

	// Seek lifecycle. PreSeek is synchronous and may cancel the seek.
	EventPreSeek       EventType = "PreSeek"
	EventSeekCompleted EventType = "SeekCompleted"
	EventSeekAbandoned EventType = "SeekAbandoned"

	// Archive lifecycle.
	EventCheckpointArchived EventType = "CheckpointArchived"
	EventTruncated          EventType = "Truncated"
	EventStorageError       EventType = "StorageError"

	// Rewrite lifecycle.
	EventRewriteStarted   EventType = "RewriteStarted"
	EventRewriteCaughtUp  EventType = "RewriteCaughtUp"
	EventPlaybackSpeedSet EventType = "PlaybackSpeedSet"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. Pre-events
	// run synchronously and an error cancels the operation; Post-events run
	// sync or async per the listener's preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// RangeChangedPayload mirrors the controller's externally visible state. It
// is emitted after every transition that moves liveTick, displayTick, or
// mode, plus whenever the storage-error notice changes.
type RangeChangedPayload struct {
	LiveTick    uint64
	DisplayTick uint64
	IsLive      bool
	IsSeeking   bool
	// StorageError is the archive's last I/O failure as a human-readable
	// notice, empty when storage is healthy.
	StorageError string
}

// NewRangeChangedEvent creates the status event following a state change.
func NewRangeChangedEvent(payload RangeChangedPayload) HookEvent {
	return &BaseEvent{eventType: EventRangeChanged, payload: payload}
}

// JumpPayload marks a discontinuous displayTick change, so the UI can
// suppress animation easing between the two positions.
type JumpPayload struct {
	FromTick uint64
	ToTick   uint64
}

// NewJumpEvent creates the event for a discontinuous displayTick change.
func NewJumpEvent(payload JumpPayload) HookEvent {
	return &BaseEvent{eventType: EventJump, payload: payload}
}

// ModeChangedPayload reports a controller mode transition.
type ModeChangedPayload struct {
	From string
	To   string
}

// NewModeChangedEvent creates the event for a mode transition.
func NewModeChangedEvent(payload ModeChangedPayload) HookEvent {
	return &BaseEvent{eventType: EventModeChanged, payload: payload}
}

// PreSeekPayload contains the seek target before the seek starts. Target is
// a pointer so a listener can adjust it; returning an error cancels the seek.
type PreSeekPayload struct {
	Target *uint64
}

// NewPreSeekEvent creates the cancellable event fired before a seek starts.
func NewPreSeekEvent(payload PreSeekPayload) HookEvent {
	return &BaseEvent{eventType: EventPreSeek, payload: payload}
}

// SeekCompletedPayload reports a finished seek and how long it took.
type SeekCompletedPayload struct {
	Target         uint64
	CheckpointTick uint64
	ReplayedTicks  int
	Duration       time.Duration
}

// NewSeekCompletedEvent creates the event for a successfully finished seek.
func NewSeekCompletedEvent(payload SeekCompletedPayload) HookEvent {
	return &BaseEvent{eventType: EventSeekCompleted, payload: payload}
}

// SeekAbandonedPayload reports a seek that stopped without completing:
// superseded by a newer seek, or unsatisfiable.
type SeekAbandonedPayload struct {
	Target     uint64
	Superseded bool
	Err        error
}

// NewSeekAbandonedEvent creates the event for an abandoned seek.
func NewSeekAbandonedEvent(payload SeekAbandonedPayload) HookEvent {
	return &BaseEvent{eventType: EventSeekAbandoned, payload: payload}
}

// CheckpointArchivedPayload reports a checkpoint written to the archive.
type CheckpointArchivedPayload struct {
	Tick uint64
	// Rewrite marks the ad hoc checkpoint taken at a rewrite branch point,
	// as opposed to the periodic interval checkpoints.
	Rewrite bool
}

// NewCheckpointArchivedEvent creates the event for an archived checkpoint.
func NewCheckpointArchivedEvent(payload CheckpointArchivedPayload) HookEvent {
	return &BaseEvent{eventType: EventCheckpointArchived, payload: payload}
}

// TruncatedPayload reports a completed history truncation.
type TruncatedPayload struct {
	CutTick uint64
	// AwaitedWrites is how many in-flight writes the truncation had to
	// drain before deleting.
	AwaitedWrites int
	Duration      time.Duration
}

// NewTruncatedEvent creates the event for a completed truncation.
func NewTruncatedEvent(payload TruncatedPayload) HookEvent {
	return &BaseEvent{eventType: EventTruncated, payload: payload}
}

// StorageErrorPayload reports a store I/O failure the archive degraded
// around. The session keeps running; listeners decide how loudly to alert.
type StorageErrorPayload struct {
	Op      string
	Tick    uint64
	Message string
}

// NewStorageErrorEvent creates the event for a recorded storage error.
func NewStorageErrorEvent(payload StorageErrorPayload) HookEvent {
	return &BaseEvent{eventType: EventStorageError, payload: payload}
}

// RewriteStartedPayload reports the branch point of a history rewrite.
type RewriteStartedPayload struct {
	AtTick uint64
	// Bookmark is the pre-rewrite liveTick the new branch must reach before
	// the controller transparently goes live.
	Bookmark uint64
}

// NewRewriteStartedEvent creates the event for a rewrite branch point.
func NewRewriteStartedEvent(payload RewriteStartedPayload) HookEvent {
	return &BaseEvent{eventType: EventRewriteStarted, payload: payload}
}

// RewriteCaughtUpPayload reports the new branch reaching the bookmark.
type RewriteCaughtUpPayload struct {
	Bookmark uint64
}

// NewRewriteCaughtUpEvent creates the event for a caught-up rewrite.
func NewRewriteCaughtUpEvent(payload RewriteCaughtUpPayload) HookEvent {
	return &BaseEvent{eventType: EventRewriteCaughtUp, payload: payload}
}

// PlaybackSpeedSetPayload reports a replay speed change.
type PlaybackSpeedSetPayload struct {
	Factor  float64
	Fastest bool
}

// NewPlaybackSpeedSetEvent creates the event for a speed change.
func NewPlaybackSpeedSetEvent(payload PlaybackSpeedSetPayload) HookEvent {
	return &BaseEvent{eventType: EventPlaybackSpeedSet, payload: payload}
}

// HookListener defines the interface for components that listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is
	// triggered. Returning an error from a "Pre" hook cancels the
	// operation; errors from "Post" hooks are logged without affecting it.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers run first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously
	// for Post-events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// listeners holds slices kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for an event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for an event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		// Pre-hooks must be synchronous so they can cancel the operation.
		if isPreHook || !item.listener.IsAsync() {
			if isPreHook && item.listener.IsAsync() {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.",
					"event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener",
					"event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener",
					"event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
