package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()

	unlock, err := lm.Acquire(ctx, "battle:b1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "battle:b1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "battle:b2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "battle:b1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManager_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()

	stale, err := lm.Acquire(ctx, "battle-timer:b1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fresh, err := lm.Acquire(ctx, "battle-timer:b1", time.Minute)
	require.NoError(t, err)

	// The stale holder must not release the new lease.
	stale()
	_, err = lm.Acquire(ctx, "battle-timer:b1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	fresh()
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for range 3 {
		ok, err := rl.Allow(ctx, "k", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 3, time.Second)
	assert.False(t, ok)

	now = now.Add(1001 * time.Millisecond)
	ok, _ = rl.Allow(ctx, "k", 3, time.Second)
	assert.True(t, ok)
}

func TestSignalBus_StreamRead(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "battle-stream:b1", []byte(p)))
	}

	all, err := bus.StreamRead(ctx, "battle-stream:b1", "0", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "1-0", all[0].ID)
	assert.Equal(t, "3-0", all[2].ID)

	after, err := bus.StreamRead(ctx, "battle-stream:b1", "1-0", 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "b", string(after[0].Payload))

	none, err := bus.StreamRead(ctx, "battle-stream:b1", "$", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSignalBus_PatternSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewSignalBus()

	ch, err := bus.Subscribe(ctx, "battle:*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "agent:alice", []byte("skip")))
	require.NoError(t, bus.Publish(ctx, "battle:b1", []byte("hit")))

	select {
	case msg := <-ch:
		assert.Equal(t, "battle:b1", msg.Channel)
		assert.Equal(t, "hit", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}
