package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusreplay/hooks"
)

// StorageAlerterListener logs a warning whenever the archive records a store
// I/O failure. The session keeps running memory-only; this listener is the
// "history may be limited" notice channel.
type StorageAlerterListener struct {
	logger   *slog.Logger
	failures atomic.Uint64
}

// NewStorageAlerterListener creates a new listener for storage failures.
func NewStorageAlerterListener(logger *slog.Logger) *StorageAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StorageAlerterListener{
		logger: logger.With("component", "StorageAlerterListener"),
	}
}

// OnEvent handles the StorageError event.
func (l *StorageAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventStorageError {
		return nil
	}

	payload, ok := event.Payload().(hooks.StorageErrorPayload)
	if !ok {
		l.logger.Error("Received StorageError event with incorrect payload type",
			"payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	total := l.failures.Add(1)
	l.logger.Warn("Durable storage failure, history may be limited to cached ticks",
		"op", payload.Op,
		"tick", payload.Tick,
		"error", payload.Message,
		"total_failures", total,
	)
	return nil
}

// Failures reports how many storage errors have been observed.
func (l *StorageAlerterListener) Failures() uint64 {
	return l.failures.Load()
}

// Priority defines the execution order.
func (l *StorageAlerterListener) Priority() int { return 10 }

// IsAsync indicates this listener can run in the background.
func (l *StorageAlerterListener) IsAsync() bool { return true }
