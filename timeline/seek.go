package timeline

import (
	"context"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
)

// Seek scrubs the display to the target tick. The target is clamped to
// [0, liveTick]; seeking to liveTick is a go-live. The heavy work runs
// asynchronously: find the nearest checkpoint at or before the target, fetch
// the tick records up to it, and only then touch the renderer. A newer seek
// supersedes an in-flight one via the token; the newest target is remembered
// and dispatched once the current sequence resolves.
func (c *Controller) Seek(ctx context.Context, target uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}

	if target > c.liveTick {
		target = c.liveTick
	}
	if target == c.liveTick {
		c.pendingSeek = nil
		c.goLiveLocked(ctx)
		return nil
	}

	if err := c.hooks.Trigger(ctx, hooks.NewPreSeekEvent(hooks.PreSeekPayload{Target: &target})); err != nil {
		return err
	}
	if target > c.liveTick {
		target = c.liveTick
	}

	if c.ownerToken != 0 {
		// Coalesce: invalidate the in-flight sequence and remember only the
		// newest target; it dispatches when the current sequence resolves.
		c.activeSeekToken++
		c.pendingSeek = &target
		return nil
	}

	c.startSeekLocked(ctx, target)
	return nil
}

// GoLive abandons any replay and snaps the display back to the simulation's
// present via a fresh engine snapshot, which is faster than replaying from
// the furthest checkpoint.
func (c *Controller) GoLive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	c.pendingSeek = nil
	c.goLiveLocked(ctx)
	return nil
}

// startSeekLocked launches the seek sequence owning the Seeking state.
func (c *Controller) startSeekLocked(ctx context.Context, target uint64) {
	c.activeSeekToken++
	token := c.activeSeekToken
	c.ownerToken = token
	c.cancelTimerLocked()
	c.setModeLocked(ctx, ModeSeeking)
	c.emitRangeChangedLocked(ctx)

	c.wg.Add(1)
	go c.runSeek(token, target)
}

// goLiveLocked launches the go-live sequence owning the Seeking state.
func (c *Controller) goLiveLocked(ctx context.Context) {
	c.activeSeekToken++
	token := c.activeSeekToken
	c.ownerToken = token
	c.cancelTimerLocked()
	c.setModeLocked(ctx, ModeSeeking)
	c.emitRangeChangedLocked(ctx)

	c.wg.Add(1)
	go c.runGoLive(token)
}

// runSeek is the asynchronous seek sequence. After every suspension point it
// re-checks the token and stops silently when superseded; work already
// started is finished but its result discarded. Only the winning sequence
// touches the renderer, and only after all data is fetched.
func (c *Controller) runSeek(token uint64, target uint64) {
	defer c.wg.Done()
	ctx, span := c.tracer.Start(context.Background(), "Controller.Seek")
	defer span.End()
	start := c.clock.Now()

	cp, ok := c.archive.GetCheckpointAtOrBefore(ctx, target)
	if c.isStale(token) {
		c.abandonSeek(ctx, token, target, true, nil)
		return
	}
	if !ok {
		c.logger.Warn("Seek abandoned, no checkpoint at or before target", "target", target)
		c.abandonSeek(ctx, token, target, false, core.ErrSeekUnsatisfiable)
		return
	}

	// Fetch the whole replay span in bounded batches, re-checking the token
	// between batches so a superseded seek stops reading promptly.
	var records []*core.TickRecord
	for from := cp.Tick + 1; from <= target; {
		to := min(from+c.seekBatchSize-1, target)
		batch, err := c.archive.GetTickRecordRange(ctx, from, to)
		if err != nil {
			c.logger.Error("Seek failed reading replay range", "target", target, "from", from, "to", to, "error", err)
			c.abandonSeek(ctx, token, target, false, err)
			return
		}
		if c.isStale(token) {
			c.abandonSeek(ctx, token, target, true, nil)
			return
		}
		records = append(records, batch...)
		from = to + 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if token != c.activeSeekToken {
		c.abandonSeekLocked(ctx, token, target, true, nil)
		return
	}

	// Winning sequence: materialize the checkpoint, then apply every delta
	// in strictly increasing order.
	if err := c.renderer.MaterializeCheckpoint(cp); err != nil {
		c.logger.Error("Renderer failed to materialize checkpoint", "tick", cp.Tick, "error", err)
		c.abandonSeekLocked(ctx, token, target, false, err)
		return
	}
	for _, rec := range records {
		if err := c.renderer.ApplyDelta(rec); err != nil {
			c.logger.Error("Renderer failed to apply replay delta", "tick", rec.Tick, "error", err)
			c.abandonSeekLocked(ctx, token, target, false, err)
			return
		}
	}

	fromTick := c.displayTick
	c.displayTick = target
	if target < c.liveTick {
		c.setModeLocked(ctx, ModeReplaying)
	} else {
		c.setModeLocked(ctx, ModeLive)
	}
	c.emitJumpLocked(ctx, fromTick, target)
	c.emitRangeChangedLocked(ctx)
	_ = c.hooks.Trigger(ctx, hooks.NewSeekCompletedEvent(hooks.SeekCompletedPayload{
		Target:         target,
		CheckpointTick: cp.Tick,
		ReplayedTicks:  len(records),
		Duration:       c.clock.Now().Sub(start),
	}))

	c.finishSequenceLocked(ctx, token)
	c.schedulePlaybackLocked()
}

// runGoLive is the asynchronous go-live sequence: snapshot the engine's
// present, archive it as a checkpoint, and materialize it.
func (c *Controller) runGoLive(token uint64) {
	defer c.wg.Done()
	ctx, span := c.tracer.Start(context.Background(), "Controller.GoLive")
	defer span.End()

	cp, err := c.engine.Snapshot(ctx)
	if c.isStale(token) {
		c.abandonSeek(ctx, token, 0, true, nil)
		return
	}
	if err != nil {
		c.logger.Error("Go-live snapshot failed", "error", err)
		c.abandonSeek(ctx, token, 0, false, err)
		return
	}

	// The fresh snapshot doubles as a checkpoint for later seeks.
	if err := c.archive.PutCheckpoint(ctx, cp); err != nil && !c.isStale(token) {
		c.logger.Warn("Failed to archive go-live checkpoint", "tick", cp.Tick, "error", err)
	}
	if c.isStale(token) {
		c.abandonSeek(ctx, token, 0, true, nil)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.activeSeekToken {
		c.abandonSeekLocked(ctx, token, 0, true, nil)
		return
	}

	if err := c.renderer.MaterializeCheckpoint(cp); err != nil {
		c.logger.Error("Renderer failed to materialize go-live snapshot", "tick", cp.Tick, "error", err)
		c.abandonSeekLocked(ctx, token, 0, false, err)
		return
	}

	fromTick := c.displayTick
	c.liveTick = cp.Tick
	c.displayTick = cp.Tick
	c.rewriteBookmark = nil
	c.setModeLocked(ctx, ModeLive)
	c.emitJumpLocked(ctx, fromTick, cp.Tick)
	c.emitRangeChangedLocked(ctx)

	c.finishSequenceLocked(ctx, token)
}

// isStale reports whether the token has been superseded.
func (c *Controller) isStale(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token != c.activeSeekToken
}

// abandonSeek ends a sequence without completing it.
func (c *Controller) abandonSeek(ctx context.Context, token uint64, target uint64, superseded bool, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandonSeekLocked(ctx, token, target, superseded, cause)
}

func (c *Controller) abandonSeekLocked(ctx context.Context, token uint64, target uint64, superseded bool, cause error) {
	if c.ownerToken == token && c.mode == ModeSeeking && c.pendingSeek == nil && !c.closed {
		// Leave Seeking with displayTick unchanged.
		if c.displayTick < c.liveTick {
			c.setModeLocked(ctx, ModeReplaying)
		} else {
			c.setModeLocked(ctx, ModeLive)
		}
		c.emitRangeChangedLocked(ctx)
	}
	if !c.closed {
		_ = c.hooks.Trigger(ctx, hooks.NewSeekAbandonedEvent(hooks.SeekAbandonedPayload{
			Target:     target,
			Superseded: superseded,
			Err:        cause,
		}))
	}
	c.finishSequenceLocked(ctx, token)
	c.schedulePlaybackLocked()
}

// finishSequenceLocked releases Seeking ownership and dispatches the
// coalesced pending seek, if any.
func (c *Controller) finishSequenceLocked(ctx context.Context, token uint64) {
	if c.ownerToken != token {
		// A newer sequence took over; it will dispatch any pending target.
		return
	}
	c.ownerToken = 0
	if c.closed || c.pendingSeek == nil {
		return
	}

	target := *c.pendingSeek
	c.pendingSeek = nil
	if target > c.liveTick {
		target = c.liveTick
	}
	if target == c.liveTick {
		c.goLiveLocked(ctx)
		return
	}
	c.startSeekLocked(ctx, target)
}
