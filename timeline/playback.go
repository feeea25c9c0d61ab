package timeline

import (
	"context"
)

// Playback scheduling. Active only while Replaying and not seeking,
// rewriting, or paused. Exactly one timer is pending at a time; every
// transition out of Replaying cancels it.

// playbackActiveLocked reports whether the scheduler may run right now.
func (c *Controller) playbackActiveLocked() bool {
	return !c.closed &&
		c.mode == ModeReplaying &&
		!c.paused &&
		c.ownerToken == 0 &&
		c.rewriteBookmark == nil &&
		!c.truncating
}

// schedulePlaybackLocked arms the playback timer if playback should run and
// no timer is already pending. The generation counter fences callbacks of
// timers whose Stop lost the race against firing.
func (c *Controller) schedulePlaybackLocked() {
	if c.timer != nil || !c.playbackActiveLocked() {
		return
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.speed.interval(c.baseTickInterval), func() {
		c.onPlaybackTimer(gen)
	})
}

func (c *Controller) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		c.timerGen++
	}
}

// onPlaybackTimer advances playback by one step (or one burst slice) and
// reschedules. A missing record is the expected engine/store lag race under
// catch-up: reschedule without advancing, never error.
func (c *Controller) onPlaybackTimer(gen uint64) {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen {
		return
	}
	c.timer = nil
	if !c.playbackActiveLocked() {
		return
	}

	if c.speed.IsFastest() {
		c.burstStepLocked(ctx)
	} else {
		c.singleStepLocked(ctx)
	}
	c.schedulePlaybackLocked()
}

// singleStepLocked applies the next tick record, or goes live when playback
// has caught up.
func (c *Controller) singleStepLocked(ctx context.Context) {
	if c.displayTick >= c.liveTick {
		// Caught up: the rendered state already equals the live state, so
		// the transition needs no snapshot.
		c.setModeLocked(ctx, ModeLive)
		c.emitRangeChangedLocked(ctx)
		return
	}

	rec, ok := c.archive.GetTickRecord(ctx, c.displayTick+1)
	if !ok {
		return
	}
	if err := c.renderer.ApplyDelta(rec); err != nil {
		c.logger.Error("Renderer failed to apply playback delta", "tick", rec.Tick, "error", err)
		return
	}
	c.displayTick++
	c.emitRangeChangedLocked(ctx)
}

// burstStepLocked applies as many ticks as fit in the per-slice budget, then
// leaves rescheduling (zero-delay in Fastest mode) to the caller. One status
// event covers the whole slice.
func (c *Controller) burstStepLocked(ctx context.Context) {
	start := c.clock.Now()
	advanced := 0

	for advanced < c.burstMaxTicks && c.clock.Now().Sub(start) < c.burstBudget {
		if c.displayTick >= c.liveTick {
			c.setModeLocked(ctx, ModeLive)
			break
		}
		rec, ok := c.archive.GetTickRecord(ctx, c.displayTick+1)
		if !ok {
			break
		}
		if err := c.renderer.ApplyDelta(rec); err != nil {
			c.logger.Error("Renderer failed to apply playback delta", "tick", rec.Tick, "error", err)
			break
		}
		c.displayTick++
		advanced++
	}

	if advanced > 0 || c.mode == ModeLive {
		c.emitRangeChangedLocked(ctx)
	}
}
