package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

func TestTimingService_JitterWithinBounds(t *testing.T) {
	h := newHarness(t)
	for range 1000 {
		j := h.timing.randomJitter()
		require.GreaterOrEqual(t, j, 1500*time.Millisecond)
		require.LessOrEqual(t, j, 4*time.Second)
	}
}

func TestTimingService_FixedJitterSetsFlash(t *testing.T) {
	h := newHarness(t)
	h.timing.WithJitter(func() time.Duration { return 2 * time.Second })
	b := h.startBattle(t)

	assert.Equal(t, testStart, *b.CountdownStartAt)
	assert.Equal(t, testStart.Add(5*time.Second), *b.FlashAt)
	assert.Equal(t, testStart.Add(8*time.Second), *b.WindowCloseAt)
}

func TestTimingService_StartCountdownRequiresAccepted(t *testing.T) {
	h := newHarness(t)
	b, err := h.svc.Create(context.Background(), "alice", "credits", 10)
	require.NoError(t, err)

	_, err = h.timing.StartCountdown(context.Background(), b)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestTimingService_FireFlashOnce(t *testing.T) {
	h := newHarness(t)
	b := h.startBattle(t)
	ctx := context.Background()

	opened, err := h.timing.FireFlash(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BattleStatusAwaitingReaction, opened.Status)

	again, err := h.timing.FireFlash(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BattleStatusAwaitingReaction, again.Status)
	assert.Len(t, h.auditEvents(t, b.ID, domain.AuditFlashFired), 1)

	at, ok := h.sched.ScheduledAt(b.ID)
	require.True(t, ok)
	assert.Equal(t, *b.WindowCloseAt, at)
}

func TestTimingService_FlashTimerFires(t *testing.T) {
	h := newHarness(t)
	h.timing.WithJitter(func() time.Duration { return 0 })
	b := h.startBattle(t)

	h.clock.Advance(b.FlashAt.Sub(h.clock.Now()) - 30*time.Millisecond)
	h.timing.scheduleFlash(b)

	require.Eventually(t, func() bool {
		cur, err := h.svc.Get(context.Background(), b.ID)
		return err == nil && cur.Status == domain.BattleStatusAwaitingReaction
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTimingService_LeaseHeldElsewhereSkipsTimer(t *testing.T) {
	h := newHarness(t)
	b := h.startBattle(t)
	ctx := context.Background()

	unlock, err := h.locks.Acquire(ctx, "battle-timer:"+b.ID, time.Minute)
	require.NoError(t, err)
	defer unlock()

	h.clock.Advance(b.FlashAt.Sub(h.clock.Now()))
	h.timing.scheduleFlash(b)

	assert.Never(t, func() bool {
		cur, err := h.svc.Get(ctx, b.ID)
		return err != nil || cur.Status != domain.BattleStatusCountdown
	}, 150*time.Millisecond, 10*time.Millisecond)
}

func TestTimingService_RecoverRearmsTimers(t *testing.T) {
	h := newHarness(t, withTiming(func(c *TimingConfig) {
		c.PendingTTL = time.Hour
	}))
	ctx := context.Background()

	flash := testStart.Add(time.Hour)
	closeAt := flash.Add(3 * time.Second)
	start := testStart
	seed := []domain.Battle{
		{ID: "p", Status: domain.BattleStatusPending, CreatorID: "a1", StakeType: "credits", StakeAmount: 1, CreatedAt: testStart},
		{
			ID: "c", Status: domain.BattleStatusCountdown, CreatorID: "a2", OpponentID: "b2",
			StakeType: "credits", StakeAmount: 1, CreatedAt: testStart,
			CountdownStartAt: &start, FlashAt: &flash, WindowCloseAt: &closeAt,
		},
		{
			ID: "w", Status: domain.BattleStatusAwaitingReaction, CreatorID: "a3", OpponentID: "b3",
			StakeType: "credits", StakeAmount: 1, CreatedAt: testStart,
			CountdownStartAt: &start, FlashAt: &flash, WindowCloseAt: &closeAt,
		},
		{ID: "r", Status: domain.BattleStatusResolved, CreatorID: "a4", OpponentID: "b4", StakeType: "credits", StakeAmount: 1, CreatedAt: testStart},
	}
	for _, b := range seed {
		require.NoError(t, h.battles.Create(ctx, b))
	}

	n, err := h.timing.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, h.sched.Len())

	at, ok := h.sched.ScheduledAt("p")
	require.True(t, ok)
	assert.Equal(t, testStart.Add(time.Hour), at)
	at, ok = h.sched.ScheduledAt("c")
	require.True(t, ok)
	assert.Equal(t, flash, at)
	at, ok = h.sched.ScheduledAt("w")
	require.True(t, ok)
	assert.Equal(t, closeAt, at)
	_, ok = h.sched.ScheduledAt("r")
	assert.False(t, ok)
}

func TestTimingService_RecoverResumesInterruptedSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The process stopped after the resolving CAS, before any ledger call.
	b := h.startBattle(t)
	h.sched.Cancel(b.ID)
	resolvedAt := h.clock.Now()
	next := b
	next.Status = domain.BattleStatusResolved
	next.WinnerID = "alice"
	next.Outcome = domain.OutcomeWin
	next.ResolvedAt = &resolvedAt
	ok, err := h.battles.CompareAndSwap(ctx, domain.BattleStatusCountdown, next)
	require.NoError(t, err)
	require.True(t, ok)

	// Errored battles keep their stakes for manual reconciliation.
	errored := domain.Battle{
		ID: "errored-1", Status: domain.BattleStatusErrored, CreatorID: "carol", OpponentID: "dave",
		StakeType: "credits", StakeAmount: 5, CreatedAt: testStart, Outcome: domain.OutcomeLedgerError,
	}
	require.NoError(t, h.battles.Create(ctx, errored))
	require.NoError(t, h.escrow.HoldBoth(ctx, errored))

	expired := domain.Battle{
		ID: "expired-1", Status: domain.BattleStatusExpired, CreatorID: "erin", OpponentID: "frank",
		StakeType: "credits", StakeAmount: 5, CreatedAt: testStart, Outcome: domain.OutcomeTimeout,
	}
	require.NoError(t, h.battles.Create(ctx, expired))
	require.NoError(t, h.escrow.HoldBoth(ctx, expired))

	n, err := h.timing.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	holds, err := h.baseLedger.Holds(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, domain.HeldTotal(holds))
	assert.Equal(t, int64(110), h.balance(t, "alice"))
	assert.Equal(t, int64(90), h.balance(t, "bob"))

	holds, err = h.baseLedger.Holds(ctx, expired.ID)
	require.NoError(t, err)
	assert.Zero(t, domain.HeldTotal(holds))
	assert.Equal(t, int64(100), h.balance(t, "erin"))

	holds, err = h.baseLedger.Holds(ctx, errored.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), domain.HeldTotal(holds))

	_, err = h.timing.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(110), h.balance(t, "alice"))
}
