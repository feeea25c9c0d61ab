package timeline

import (
	"context"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
)

// BeginRewrite discards all history after atTick and continues from there as
// a new branch. The pre-rewrite liveTick is kept as a catch-up bookmark: the
// engine (reset by the host to atTick) resumes emitting ticks, which are
// recorded without touching the renderer until the new stream reaches the
// bookmark, at which point the controller transparently goes live.
//
// The state flip is synchronous; the branch-point checkpoint and the archive
// truncation run in the background. Incoming ticks are buffered while the
// truncation deletes, so no new-branch write can land inside its window.
func (c *Controller) BeginRewrite(ctx context.Context, atTick uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	if c.truncating {
		return core.ErrRewriteInProgress
	}

	if atTick > c.liveTick {
		atTick = c.liveTick
	}

	// Invalidate every in-flight sequence; the rewrite wins unconditionally.
	c.activeSeekToken++
	c.ownerToken = 0
	c.pendingSeek = nil
	c.cancelTimerLocked()

	bookmark := c.liveTick
	fromTick := c.displayTick
	c.rewriteBookmark = &bookmark
	c.liveTick = atTick
	c.displayTick = atTick
	c.truncating = true
	c.setModeLocked(ctx, ModeReplaying)
	c.emitJumpLocked(ctx, fromTick, atTick)
	c.emitRangeChangedLocked(ctx)
	_ = c.hooks.Trigger(ctx, hooks.NewRewriteStartedEvent(hooks.RewriteStartedPayload{
		AtTick:   atTick,
		Bookmark: bookmark,
	}))

	c.wg.Add(1)
	go c.runRewrite(atTick)
	return nil
}

// runRewrite is the background half of BeginRewrite: checkpoint the branch
// point, truncate everything after it, then flush ticks buffered during the
// truncation. It is not token-cancellable; once the state flipped, the
// truncation must run to completion.
func (c *Controller) runRewrite(atTick uint64) {
	defer c.wg.Done()
	ctx, span := c.tracer.Start(context.Background(), "Controller.Rewrite")
	defer span.End()

	// The host has reset the engine to atTick; its snapshot is the new
	// branch's base checkpoint. A failure here is logged and the truncation
	// still runs: history above the cut must go regardless.
	cp, err := c.engine.Snapshot(ctx)
	if err != nil {
		c.logger.Error("Rewrite branch-point snapshot failed", "at_tick", atTick, "error", err)
	} else {
		if err := c.archive.PutCheckpoint(ctx, cp); err != nil {
			c.logger.Error("Failed to archive rewrite checkpoint", "tick", cp.Tick, "error", err)
		} else {
			_ = c.hooks.Trigger(ctx, hooks.NewCheckpointArchivedEvent(hooks.CheckpointArchivedPayload{
				Tick:    cp.Tick,
				Rewrite: true,
			}))
		}
	}

	if err := c.archive.TruncateAfterTick(ctx, atTick); err != nil {
		c.logger.Error("Rewrite truncation failed", "at_tick", atTick, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.truncating = false
	buffered := c.bufferedNewBranch
	c.bufferedNewBranch = nil

	for _, rec := range buffered {
		if err := c.archive.PutTickRecord(ctx, rec); err != nil {
			c.logger.Error("Failed to archive buffered rewrite tick", "tick", rec.Tick, "error", err)
		}
	}

	// The new branch may already have caught up while we were truncating.
	if c.rewriteBookmark != nil && c.liveTick >= *c.rewriteBookmark && !c.closed {
		bookmark := *c.rewriteBookmark
		c.rewriteBookmark = nil
		_ = c.hooks.Trigger(ctx, hooks.NewRewriteCaughtUpEvent(hooks.RewriteCaughtUpPayload{Bookmark: bookmark}))
		c.goLiveLocked(ctx)
	}
}
