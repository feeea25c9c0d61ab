// Package timeline implements the replay controller: the state machine
// deciding live/seeking/replaying, the playback scheduler, and the seek,
// go-live, and rewrite sequences over the archive. It is the engine's only
// mutator of renderer state.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/nexusreplay/archive"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/INLOpen/nexusreplay/internal/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Engine is the simulation side the controller consumes. Ticks are strictly
// increasing and gapless per branch; Snapshot exports full state on demand.
type Engine interface {
	ProduceNextTick(ctx context.Context) (*core.TickRecord, error)
	Snapshot(ctx context.Context) (*core.CheckpointRecord, error)
}

// Renderer is the display side the controller drives. Both calls are
// synchronous and side-effect-free beyond drawing/state mirroring.
type Renderer interface {
	ApplyDelta(rec *core.TickRecord) error
	MaterializeCheckpoint(cp *core.CheckpointRecord) error
}

const (
	// DefaultCheckpointInterval takes a full snapshot every N ticks.
	DefaultCheckpointInterval = 300
	// DefaultBaseTickInterval is the playback delay per tick at speed 1.
	DefaultBaseTickInterval = 50 * time.Millisecond
	// DefaultBurstMaxTicks and DefaultBurstBudget bound one burst-mode
	// scheduling slice.
	DefaultBurstMaxTicks = 10
	DefaultBurstBudget   = 8 * time.Millisecond
	// DefaultSeekBatchSize bounds one archive range read inside a seek, so
	// the cancellation token is re-checked at least once per batch.
	DefaultSeekBatchSize = 256
)

// Options configures a Controller.
type Options struct {
	Archive  *archive.Archive
	Engine   Engine
	Renderer Renderer

	CheckpointInterval uint64
	BaseTickInterval   time.Duration
	BurstMaxTicks      int
	BurstBudget        time.Duration
	SeekBatchSize      uint64

	Logger         *slog.Logger
	Clock          clock.Clock
	TracerProvider trace.TracerProvider
	// HookManager receives status and lifecycle events. When nil the
	// controller owns a private manager, stopped on Close.
	HookManager hooks.HookManager
}

// Controller is the timeline state machine. All state mutations happen under
// mu; asynchronous sequences re-check the seek token after every suspension
// point and discard their work when superseded, so at most one winning
// sequence touches the renderer.
type Controller struct {
	archive  *archive.Archive
	engine   Engine
	renderer Renderer

	checkpointInterval uint64
	baseTickInterval   time.Duration
	burstMaxTicks      int
	burstBudget        time.Duration
	seekBatchSize      uint64

	mu          sync.Mutex
	liveTick    uint64
	displayTick uint64
	mode        Mode
	speed       Speed
	paused      bool
	closed      bool

	// activeSeekToken is the monotone cancellation token; ownerToken is the
	// token of the sequence currently owning Seeking, 0 when none.
	activeSeekToken uint64
	ownerToken      uint64
	pendingSeek     *uint64

	// rewriteBookmark is the pre-rewrite liveTick the new branch must reach
	// before the controller transparently goes live. truncating buffers
	// incoming ticks while the rewrite truncation runs, keeping new-branch
	// writes out of the delete window.
	rewriteBookmark   *uint64
	truncating        bool
	bufferedNewBranch []*core.TickRecord

	timer    clock.Timer
	timerGen uint64
	wg       sync.WaitGroup

	logger    *slog.Logger
	clock     clock.Clock
	tracer    trace.Tracer
	hooks     hooks.HookManager
	ownsHooks bool
}

// NewController creates a Controller in Live mode at tick 0.
func NewController(opts Options) (*Controller, error) {
	if opts.Archive == nil {
		return nil, errors.New("timeline: Archive is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("timeline: Engine is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("timeline: Renderer is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	logger = logger.With("component", "Controller")

	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClockDefault
	}

	c := &Controller{
		archive:            opts.Archive,
		engine:             opts.Engine,
		renderer:           opts.Renderer,
		checkpointInterval: opts.CheckpointInterval,
		baseTickInterval:   opts.BaseTickInterval,
		burstMaxTicks:      opts.BurstMaxTicks,
		burstBudget:        opts.BurstBudget,
		seekBatchSize:      opts.SeekBatchSize,
		mode:               ModeLive,
		speed:              SpeedNormal,
		logger:             logger,
		clock:              clk,
		hooks:              opts.HookManager,
	}
	if c.checkpointInterval == 0 {
		c.checkpointInterval = DefaultCheckpointInterval
	}
	if c.baseTickInterval == 0 {
		c.baseTickInterval = DefaultBaseTickInterval
	}
	if c.burstMaxTicks == 0 {
		c.burstMaxTicks = DefaultBurstMaxTicks
	}
	if c.burstBudget == 0 {
		c.burstBudget = DefaultBurstBudget
	}
	if c.seekBatchSize == 0 {
		c.seekBatchSize = DefaultSeekBatchSize
	}
	if c.hooks == nil {
		c.hooks = hooks.NewHookManager(logger.With("component", "HookManager"))
		c.ownsHooks = true
	}
	if opts.TracerProvider != nil {
		c.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusreplay/timeline")
	} else {
		c.tracer = noop.NewTracerProvider().Tracer("")
	}
	return c, nil
}

// LiveTick returns the engine's latest recorded tick on the current branch.
func (c *Controller) LiveTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveTick
}

// DisplayTick returns the tick currently shown by the renderer.
func (c *Controller) DisplayTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayTick
}

// Mode returns the controller's current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Speed returns the replay speed setting.
func (c *Controller) Speed() Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// IsPaused reports whether playback scheduling is paused.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Hooks exposes the controller's hook manager for listener registration.
func (c *Controller) Hooks() hooks.HookManager {
	return c.hooks
}

// AdvanceTick pulls exactly one tick from the engine and records it. The
// host's tick loop calls this once per simulation step. While Live the delta
// is also applied to the renderer synchronously; while Replaying or Seeking
// only liveTick advances.
func (c *Controller) AdvanceTick(ctx context.Context) error {
	rec, err := c.engine.ProduceNextTick(ctx)
	if err != nil {
		return fmt.Errorf("produce tick: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}

	if c.truncating {
		// The rewrite truncation is deleting everything above the cut; hold
		// new-branch ticks back so they cannot land inside its delete window.
		c.bufferedNewBranch = append(c.bufferedNewBranch, rec)
		c.liveTick = rec.Tick
		c.emitRangeChangedLocked(ctx)
		return nil
	}

	if err := c.archive.PutTickRecord(ctx, rec); err != nil {
		return fmt.Errorf("archive tick %d: %w", rec.Tick, err)
	}
	if rec.Tick%c.checkpointInterval == 0 {
		c.captureCheckpointLocked(ctx, false)
	}

	c.liveTick = rec.Tick

	if c.mode == ModeLive {
		c.displayTick = rec.Tick
		if err := c.renderer.ApplyDelta(rec); err != nil {
			return fmt.Errorf("apply live delta %d: %w", rec.Tick, err)
		}
		c.emitRangeChangedLocked(ctx)
		return nil
	}

	c.emitRangeChangedLocked(ctx)

	// Rewrite catch-up: when the new branch reaches the pre-rewrite
	// bookmark, transparently go live.
	if c.rewriteBookmark != nil && c.liveTick >= *c.rewriteBookmark {
		bookmark := *c.rewriteBookmark
		c.rewriteBookmark = nil
		_ = c.hooks.Trigger(ctx, hooks.NewRewriteCaughtUpEvent(hooks.RewriteCaughtUpPayload{Bookmark: bookmark}))
		c.goLiveLocked(ctx)
	}
	return nil
}

// captureCheckpointLocked exports a full snapshot from the engine and
// archives it. Snapshot failures are logged and skipped; the next interval
// gets another chance.
func (c *Controller) captureCheckpointLocked(ctx context.Context, rewrite bool) {
	cp, err := c.engine.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("Engine snapshot failed, skipping checkpoint", "error", err)
		return
	}
	if err := c.archive.PutCheckpoint(ctx, cp); err != nil {
		c.logger.Warn("Failed to archive checkpoint", "tick", cp.Tick, "error", err)
		return
	}
	_ = c.hooks.Trigger(ctx, hooks.NewCheckpointArchivedEvent(hooks.CheckpointArchivedPayload{
		Tick:    cp.Tick,
		Rewrite: rewrite,
	}))
}

// SetReplaySpeed updates the replay speed. A zero factor or SpeedFastest
// switches playback to burst-stepping. An armed playback timer is re-armed
// so the new speed applies immediately.
func (c *Controller) SetReplaySpeed(s Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.speed = s
	_ = c.hooks.Trigger(context.Background(), hooks.NewPlaybackSpeedSetEvent(hooks.PlaybackSpeedSetPayload{
		Factor:  s.Factor(),
		Fastest: s.IsFastest(),
	}))
	if c.timer != nil {
		c.cancelTimerLocked()
		c.schedulePlaybackLocked()
	}
}

// Pause stops playback scheduling without leaving Replaying. Seek completion
// does not resume a paused controller.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.paused {
		return
	}
	c.paused = true
	c.cancelTimerLocked()
}

// Resume restarts playback scheduling if the controller is Replaying.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.paused {
		return
	}
	c.paused = false
	c.schedulePlaybackLocked()
}

// Close tears the controller down: cancels timers, invalidates in-flight
// sequences, and waits for background work to finish. Nothing is emitted
// afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.activeSeekToken++
	c.pendingSeek = nil
	c.cancelTimerLocked()
	c.mu.Unlock()

	c.wg.Wait()
	if c.ownsHooks {
		c.hooks.Stop()
	}
	return nil
}

// setModeLocked switches modes and emits the transition event.
func (c *Controller) setModeLocked(ctx context.Context, mode Mode) {
	if c.mode == mode {
		return
	}
	from := c.mode
	c.mode = mode
	if mode != ModeReplaying {
		c.cancelTimerLocked()
	}
	_ = c.hooks.Trigger(ctx, hooks.NewModeChangedEvent(hooks.ModeChangedPayload{
		From: from.String(),
		To:   mode.String(),
	}))
}

func (c *Controller) emitRangeChangedLocked(ctx context.Context) {
	_ = c.hooks.Trigger(ctx, hooks.NewRangeChangedEvent(hooks.RangeChangedPayload{
		LiveTick:     c.liveTick,
		DisplayTick:  c.displayTick,
		IsLive:       c.mode == ModeLive,
		IsSeeking:    c.mode == ModeSeeking,
		StorageError: c.archive.StorageError(),
	}))
}

func (c *Controller) emitJumpLocked(ctx context.Context, from, to uint64) {
	if from == to {
		return
	}
	_ = c.hooks.Trigger(ctx, hooks.NewJumpEvent(hooks.JumpPayload{FromTick: from, ToTick: to}))
}
