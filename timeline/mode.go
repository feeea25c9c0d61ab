package timeline

import "time"

// Mode is the controller's top-level state.
type Mode int

const (
	// ModeLive tracks the engine's latest tick; every incoming delta is
	// applied to the renderer immediately.
	ModeLive Mode = iota
	// ModeSeeking is the transient state while a checkpoint+replay sequence
	// is in progress; the renderer is untouched until the winning sequence
	// completes.
	ModeSeeking
	// ModeReplaying means displayTick lags liveTick; incoming ticks are
	// archived but not rendered.
	ModeReplaying
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSeeking:
		return "seeking"
	case ModeReplaying:
		return "replaying"
	default:
		return "unknown"
	}
}

// Speed is the replay speed setting: a positive interval multiplier, or
// Fastest which switches the scheduler to burst-stepping.
type Speed struct {
	factor  float64
	fastest bool
}

// SpeedFastest steps as many ticks as fit in the per-slice budget.
var SpeedFastest = Speed{fastest: true}

// SpeedNormal plays one tick per base interval.
var SpeedNormal = Speed{factor: 1}

// SpeedFactor builds a speed from an interval multiplier: 0.5 plays back at
// twice the recording rate, 2 at half. A factor of zero or below means
// Fastest.
func SpeedFactor(factor float64) Speed {
	if factor <= 0 {
		return SpeedFastest
	}
	return Speed{factor: factor}
}

// IsFastest reports burst mode.
func (s Speed) IsFastest() bool { return s.fastest }

// Factor returns the interval multiplier, 0 for Fastest.
func (s Speed) Factor() float64 {
	if s.fastest {
		return 0
	}
	return s.factor
}

// interval converts the speed into a timer delay over the base interval.
func (s Speed) interval(base time.Duration) time.Duration {
	if s.fastest {
		return 0
	}
	return time.Duration(float64(base) * s.factor)
}
