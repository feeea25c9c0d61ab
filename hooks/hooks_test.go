package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener appends its name to a shared log when fired.
type recordingListener struct {
	name     string
	priority int
	async    bool
	err      error

	mu  *sync.Mutex
	log *[]string
}

func (l *recordingListener) OnEvent(ctx context.Context, event HookEvent) error {
	l.mu.Lock()
	*l.log = append(*l.log, l.name)
	l.mu.Unlock()
	return l.err
}

func (l *recordingListener) Priority() int { return l.priority }
func (l *recordingListener) IsAsync() bool { return l.async }

func TestHookManager_PriorityOrder(t *testing.T) {
	m := NewHookManager(nil)
	var mu sync.Mutex
	var log []string

	m.Register(EventRangeChanged, &recordingListener{name: "third", priority: 30, mu: &mu, log: &log})
	m.Register(EventRangeChanged, &recordingListener{name: "first", priority: 1, mu: &mu, log: &log})
	m.Register(EventRangeChanged, &recordingListener{name: "second", priority: 15, mu: &mu, log: &log})

	err := m.Trigger(context.Background(), NewRangeChangedEvent(RangeChangedPayload{LiveTick: 10}))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, log, "synchronous listeners must fire in priority order")
}

func TestHookManager_PreHookErrorCancels(t *testing.T) {
	m := NewHookManager(nil)
	var mu sync.Mutex
	var log []string

	boom := errors.New("seek vetoed")
	m.Register(EventPreSeek, &recordingListener{name: "veto", priority: 1, err: boom, mu: &mu, log: &log})
	m.Register(EventPreSeek, &recordingListener{name: "after", priority: 2, mu: &mu, log: &log})

	target := uint64(100)
	err := m.Trigger(context.Background(), NewPreSeekEvent(PreSeekPayload{Target: &target}))
	require.ErrorIs(t, err, boom, "a pre-hook error must cancel the operation")
	assert.Equal(t, []string{"veto"}, log, "listeners after the failing pre-hook must not run")
}

func TestHookManager_PostHookErrorDoesNotCancel(t *testing.T) {
	m := NewHookManager(nil)
	var mu sync.Mutex
	var log []string

	m.Register(EventJump, &recordingListener{name: "failing", priority: 1, err: errors.New("ignored"), mu: &mu, log: &log})
	m.Register(EventJump, &recordingListener{name: "next", priority: 2, mu: &mu, log: &log})

	err := m.Trigger(context.Background(), NewJumpEvent(JumpPayload{FromTick: 1000, ToTick: 100}))
	require.NoError(t, err, "post-hook errors are logged, never propagated")
	assert.Equal(t, []string{"failing", "next"}, log)
}

func TestHookManager_AsyncListenersDrainOnStop(t *testing.T) {
	m := NewHookManager(nil)
	var mu sync.Mutex
	var log []string

	m.Register(EventStorageError, &recordingListener{name: "async", priority: 1, async: true, mu: &mu, log: &log})

	err := m.Trigger(context.Background(), NewStorageErrorEvent(StorageErrorPayload{Op: "put_tick", Tick: 5, Message: "disk full"}))
	require.NoError(t, err)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"async"}, log, "Stop must wait for async listeners to finish")
}

func TestHookManager_PreSeekPayloadIsMutable(t *testing.T) {
	m := NewHookManager(nil)
	m.Register(EventPreSeek, clampListener{})

	target := uint64(5000)
	require.NoError(t, m.Trigger(context.Background(), NewPreSeekEvent(PreSeekPayload{Target: &target})))
	assert.Equal(t, uint64(1000), target, "pre-hook listeners may rewrite the seek target")
}

type clampListener struct{}

func (clampListener) OnEvent(ctx context.Context, event HookEvent) error {
	payload := event.Payload().(PreSeekPayload)
	if *payload.Target > 1000 {
		*payload.Target = 1000
	}
	return nil
}

func (clampListener) Priority() int { return 1 }
func (clampListener) IsAsync() bool { return false }
