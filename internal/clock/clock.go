// Package clock abstracts wall-clock time and one-shot timers so playback
// scheduling can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a one-shot timer created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether it stopped
	// the timer before the callback ran.
	Stop() bool
}

// Clock provides the current time and timer scheduling.
type Clock interface {
	Now() time.Time
	// AfterFunc waits for the duration to elapse and then calls f in its
	// own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the real clock backed by the time package.
type SystemClock struct{}

// SystemClockDefault is the shared real clock instance.
var SystemClockDefault Clock = SystemClock{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock is a manually advanced clock for tests. Timers fire
// synchronously inside Advance, in due order.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

type mockTimer struct {
	clk     *MockClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{clk: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *mockTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires every due timer in order.
// Callbacks run without the clock lock held, so they may schedule new
// timers; timers scheduled inside a callback fire in the same Advance if
// they fall within the window.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *mockTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		next.fired = true
		f := next.f
		c.mu.Unlock()
		f()
		c.mu.Lock()
	}
	c.now = target
	c.compact()
	c.mu.Unlock()
}

// compact drops fired and stopped timers. Caller must hold mu.
func (c *MockClock) compact() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].when.Before(live[j].when) })
	c.timers = live
}

// PendingTimers reports how many timers are armed. Test helper.
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}
