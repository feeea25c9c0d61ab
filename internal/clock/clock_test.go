package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClockAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	var order []string
	clk.AfterFunc(30*time.Millisecond, func() { order = append(order, "b") })
	clk.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	clk.AfterFunc(50*time.Millisecond, func() { order = append(order, "c") })

	clk.Advance(40 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order, "only due timers should fire, in due order")
	assert.Equal(t, 1, clk.PendingTimers())

	clk.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, start.Add(50*time.Millisecond), clk.Now())
}

func TestMockClockStop(t *testing.T) {
	clk := NewMockClock(time.Unix(0, 0))

	fired := false
	timer := clk.AfterFunc(10*time.Millisecond, func() { fired = true })
	require.True(t, timer.Stop(), "Stop before firing should report true")

	clk.Advance(20 * time.Millisecond)
	assert.False(t, fired, "stopped timer must not fire")
	assert.False(t, timer.Stop(), "second Stop should report false")
}

func TestMockClockRescheduleWithinAdvance(t *testing.T) {
	clk := NewMockClock(time.Unix(0, 0))

	fires := 0
	var step func()
	step = func() {
		fires++
		if fires < 3 {
			clk.AfterFunc(10*time.Millisecond, step)
		}
	}
	clk.AfterFunc(10*time.Millisecond, step)

	// A single wide Advance covers chained reschedules.
	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, fires, "rescheduled timers inside the window should fire in the same Advance")
}
