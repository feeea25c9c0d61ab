package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_PlaybackSingleStep(t *testing.T) {
	f := newFixture(t, fixtureConfig{checkpointInterval: 300})
	ctx := context.Background()

	f.record(t, 360)
	require.NoError(t, f.controller.Seek(ctx, 340))
	f.waitDisplay(t, 340)
	f.waitMode(t, ModeReplaying)

	// Seek completion armed exactly one playback timer.
	require.Equal(t, 1, f.clock.PendingTimers())

	// One base interval, one tick.
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, uint64(341), f.controller.DisplayTick())
	assert.Equal(t, f.engine.StateAt(341), f.renderer.State())

	// Timers rescheduled inside a window keep firing within it.
	f.clock.Advance(150 * time.Millisecond)
	assert.Equal(t, uint64(344), f.controller.DisplayTick())
	assert.Equal(t, f.engine.StateAt(344), f.renderer.State())

	// Enough intervals to replay the rest plus the caught-up transition.
	f.clock.Advance(17 * 50 * time.Millisecond)
	assert.Equal(t, uint64(360), f.controller.DisplayTick())
	assert.Equal(t, ModeLive, f.controller.Mode())
	assert.Equal(t, f.engine.StateAt(360), f.renderer.State())

	// Catching up needs no snapshot: the rendered state already equals the
	// live state, so only the seek's materialization happened.
	assert.Len(t, f.renderer.Materialized(), 1)
	assert.Zero(t, f.clock.PendingTimers(), "leaving Replaying disarms the scheduler")
}

func TestController_PlaybackPauseResume(t *testing.T) {
	f := newFixture(t, fixtureConfig{checkpointInterval: 300})
	ctx := context.Background()

	f.record(t, 360)
	require.NoError(t, f.controller.Seek(ctx, 340))
	f.waitDisplay(t, 340)
	f.waitMode(t, ModeReplaying)

	f.controller.Pause()
	assert.True(t, f.controller.IsPaused())
	assert.Zero(t, f.clock.PendingTimers())

	f.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, uint64(340), f.controller.DisplayTick(), "paused playback must not advance")
	assert.Equal(t, ModeReplaying, f.controller.Mode())

	f.controller.Resume()
	require.Equal(t, 1, f.clock.PendingTimers())
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, uint64(341), f.controller.DisplayTick())
}

func TestController_PlaybackSpeedFactor(t *testing.T) {
	f := newFixture(t, fixtureConfig{checkpointInterval: 300})
	ctx := context.Background()

	f.record(t, 360)
	require.NoError(t, f.controller.Seek(ctx, 300))
	f.waitDisplay(t, 300)
	f.waitMode(t, ModeReplaying)

	// Factor 2 doubles the interval: half speed.
	f.controller.SetReplaySpeed(SpeedFactor(2))
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, uint64(300), f.controller.DisplayTick(), "the re-armed timer is not due yet")
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, uint64(301), f.controller.DisplayTick())

	// Factor 0.5 halves it: double speed.
	f.controller.SetReplaySpeed(SpeedFactor(0.5))
	f.clock.Advance(25 * time.Millisecond)
	assert.Equal(t, uint64(302), f.controller.DisplayTick())

	assert.Equal(t, 0.5, f.controller.Speed().Factor())
}

func TestController_PlaybackFastestBursts(t *testing.T) {
	f := newFixture(t, fixtureConfig{checkpointInterval: 300})
	ctx := context.Background()

	f.record(t, 360)
	require.NoError(t, f.controller.Seek(ctx, 100))
	f.waitDisplay(t, 100)
	f.waitMode(t, ModeReplaying)

	f.controller.SetReplaySpeed(SpeedFastest)
	assert.True(t, f.controller.Speed().IsFastest())

	// Zero-delay slices chain inside one clock window until playback has
	// caught up and transitioned to Live.
	f.clock.Advance(time.Millisecond)
	assert.Equal(t, ModeLive, f.controller.Mode())
	assert.Equal(t, uint64(360), f.controller.DisplayTick())
	assert.Equal(t, f.engine.StateAt(360), f.renderer.State())
	assert.Len(t, f.renderer.Materialized(), 1, "catch-up replays deltas, never snapshots")
	assert.Zero(t, f.clock.PendingTimers())
}

func TestController_PlaybackWaitsOnMissingRecord(t *testing.T) {
	// A tiny cache forces the next playback tick out to the store, where an
	// injected read failure models the engine/store lag race.
	f := newFixture(t, fixtureConfig{checkpointInterval: 300, tickCacheCapacity: 8})
	ctx := context.Background()

	f.record(t, 360)
	require.NoError(t, f.archive.WaitForInFlightWrites(ctx))

	require.NoError(t, f.controller.Seek(ctx, 350))
	f.waitDisplay(t, 350)
	f.waitMode(t, ModeReplaying)

	f.store.GetErr = errors.New("read failed: checksum mismatch")
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, uint64(350), f.controller.DisplayTick(), "a missing record must not advance playback")
	assert.Equal(t, ModeReplaying, f.controller.Mode())
	assert.Contains(t, f.archive.StorageError(), "checksum mismatch")
	require.Equal(t, 1, f.clock.PendingTimers(), "playback reschedules and retries")

	f.store.GetErr = nil
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, uint64(351), f.controller.DisplayTick())
	assert.Equal(t, f.engine.StateAt(351), f.renderer.State())
}
