// Package listeners provides concrete hook listeners for the timeline
// engine's event bus.
package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/caio/go-tdigest/v4"
)

// SeekLatencyListener accumulates seek durations in a t-digest and
// periodically logs the latency quantiles, so slow history reads show up
// without per-seek log noise.
type SeekLatencyListener struct {
	mu       sync.Mutex
	td       *tdigest.TDigest
	count    uint64
	logEvery uint64
	logger   *slog.Logger
}

// NewSeekLatencyListener creates a listener logging quantiles every
// logEvery completed seeks (default 50 when zero).
func NewSeekLatencyListener(logger *slog.Logger, logEvery uint64) (*SeekLatencyListener, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if logEvery == 0 {
		logEvery = 50
	}
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &SeekLatencyListener{
		td:       td,
		logEvery: logEvery,
		logger:   logger.With("component", "SeekLatencyListener"),
	}, nil
}

// OnEvent handles SeekCompleted events.
func (l *SeekLatencyListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventSeekCompleted {
		return nil
	}
	payload, ok := event.Payload().(hooks.SeekCompletedPayload)
	if !ok {
		l.logger.Error("Received SeekCompleted event with incorrect payload type",
			"payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.td.Add(float64(payload.Duration) / float64(time.Millisecond)); err != nil {
		return fmt.Errorf("tdigest Add failed: %w", err)
	}
	l.count++
	if l.count%l.logEvery == 0 {
		l.logger.Info("Seek latency quantiles",
			"seeks", l.count,
			"p50_ms", l.td.Quantile(0.5),
			"p90_ms", l.td.Quantile(0.9),
			"p99_ms", l.td.Quantile(0.99),
		)
	}
	return nil
}

// Quantile exposes the current latency quantile in milliseconds.
func (l *SeekLatencyListener) Quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.td.Quantile(q)
}

// Count reports how many seeks have been recorded.
func (l *SeekLatencyListener) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Priority defines the execution order.
func (l *SeekLatencyListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *SeekLatencyListener) IsAsync() bool { return true }
