package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duelengine/internal/domain"
	"github.com/alanyoungcy/duelengine/internal/store/memory"
)

func TestBattleService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, "  ", "credits", 10)
	require.ErrorIs(t, err, domain.ErrInvalidBattle)
	_, err = h.svc.Create(ctx, "alice", "credits", 0)
	require.ErrorIs(t, err, domain.ErrInvalidStake)
	_, err = h.svc.Create(ctx, "alice", "", 10)
	require.ErrorIs(t, err, domain.ErrInvalidStake)

	b, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.BattleStatusPending, b.Status)
	assert.Equal(t, testStart, b.CreatedAt)
	assert.Len(t, h.auditEvents(t, b.ID, domain.AuditBattleCreated), 1)

	_, err = h.svc.Create(ctx, "alice", "credits", 10)
	require.ErrorIs(t, err, domain.ErrAlreadyInBattle)
}

func TestBattleService_AcceptHoldsBothStakes(t *testing.T) {
	h := newHarness(t)
	b := h.startBattle(t)

	holds, err := h.svc.Holds(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	assert.Equal(t, int64(20), domain.HeldTotal(holds))
	assert.Equal(t, int64(90), h.balance(t, "alice"))
	assert.Equal(t, int64(90), h.balance(t, "bob"))

	assert.Len(t, h.auditEvents(t, b.ID, domain.AuditBattleAccepted), 1)
	assert.Len(t, h.auditEvents(t, b.ID, domain.AuditCountdownStarted), 1)

	at, ok := h.sched.ScheduledAt(b.ID)
	require.True(t, ok)
	assert.Equal(t, *b.FlashAt, at)
	assert.Equal(t, b.FlashAt.Add(3*time.Second), *b.WindowCloseAt)
}

func TestBattleService_AcceptRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)

	_, err = h.svc.Accept(ctx, b.ID, "alice")
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.svc.Accept(ctx, b.ID, "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.Create(ctx, "carol", "credits", 10)
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, b.ID, "carol")
	require.ErrorIs(t, err, domain.ErrAlreadyInBattle)

	_, err = h.svc.Accept(ctx, b.ID, "bob")
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, b.ID, "dave")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = h.svc.Accept(ctx, "missing", "dave")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBattleService_AcceptSagaCompensates(t *testing.T) {
	h := newHarness(t, withLedger(func(base *memory.Ledger) domain.Ledger {
		return poorLedger{Ledger: base, poor: "bob"}
	}))
	ctx := context.Background()

	b, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)

	failed, err := h.svc.Accept(ctx, b.ID, "bob")
	require.ErrorIs(t, err, domain.ErrInsufficientStake)
	assert.Equal(t, domain.BattleStatusErrored, failed.Status)

	stored, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BattleStatusErrored, stored.Status)
	assert.Equal(t, "bob", stored.OpponentID)

	assert.Equal(t, int64(100), h.balance(t, "alice"))
	holds, err := h.svc.Holds(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, domain.HeldTotal(holds))
	assert.Equal(t, []string{NotifyBattleErrored}, h.notifier.Events())

	_, err = h.resolution.SubmitReaction(ctx, b.ID, "alice", h.clock.Now(), nil)
	require.ErrorIs(t, err, domain.ErrErrored)

	// Both agents are free to play again.
	_, err = h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)
}

func TestBattleService_CancelPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, b.ID, "bob")
	require.ErrorIs(t, err, domain.ErrForbidden)

	cancelled, err := h.svc.Cancel(ctx, b.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.BattleStatusCancelled, cancelled.Status)
	assert.Equal(t, domain.OutcomeCancelled, cancelled.Outcome)
	assert.Len(t, h.auditEvents(t, b.ID, domain.AuditBattleCancelled), 1)

	_, err = h.svc.Cancel(ctx, b.ID, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestBattleService_CancelAcceptedReleasesStakes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := domain.Battle{
		ID:          "accepted-1",
		Status:      domain.BattleStatusAccepted,
		CreatorID:   "alice",
		OpponentID:  "bob",
		StakeType:   "credits",
		StakeAmount: 25,
		CreatedAt:   testStart,
	}
	require.NoError(t, h.battles.Create(ctx, b))
	require.NoError(t, h.escrow.HoldBoth(ctx, b))
	assert.Equal(t, int64(75), h.balance(t, "alice"))

	cancelled, err := h.svc.Cancel(ctx, b.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.BattleStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(100), h.balance(t, "alice"))
	assert.Equal(t, int64(100), h.balance(t, "bob"))
}

func TestBattleService_CancelAfterCountdownRejected(t *testing.T) {
	h := newHarness(t)
	b := h.startBattle(t)

	cur, err := h.svc.Cancel(context.Background(), b.ID, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.Equal(t, domain.BattleStatusCountdown, cur.Status)
	assert.Equal(t, int64(90), h.balance(t, "alice"))
}

func TestBattleService_PendingNoShowCancels(t *testing.T) {
	h := newHarness(t, withTiming(func(c *TimingConfig) {
		c.PendingTTL = 50 * time.Millisecond
	}))
	ctx := context.Background()

	b, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := h.svc.Get(ctx, b.ID)
		return err == nil && cur.Status == domain.BattleStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	cur, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoShow, cur.Outcome)
}

func TestBattleService_AuditTrailOrder(t *testing.T) {
	h := newHarness(t)
	b := h.startBattle(t)

	_, err := h.resolution.SubmitReaction(context.Background(), b.ID, "bob", b.FlashAt.Add(300*time.Millisecond), nil)
	require.NoError(t, err)

	entries, err := h.svc.AuditTrail(context.Background(), b.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.AuditBattleCreated, entries[0].Event)

	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Subset(t, events, []string{
		domain.AuditStakeHeld,
		domain.AuditBattleAccepted,
		domain.AuditCountdownStarted,
		domain.AuditFlashFired,
		domain.AuditReaction,
		domain.AuditBattleResolved,
		domain.AuditStakeTransferred,
		domain.AuditStakeReleased,
	})

	_, err = h.svc.AuditTrail(context.Background(), "missing", domain.ListOpts{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// noShowDuringHold fires the no-show handler when the accept saga places
// its first hold.
type noShowDuringHold struct {
	domain.Ledger
	once sync.Once
	fire func(battleID string)
}

func (l *noShowDuringHold) Hold(ctx context.Context, battleID, participantID, stakeType string, amount int64) error {
	l.once.Do(func() { l.fire(battleID) })
	return l.Ledger.Hold(ctx, battleID, participantID, stakeType, amount)
}

func TestBattleService_NoShowWaitsForAcceptSaga(t *testing.T) {
	var h *harness
	expired := make(chan error, 1)
	finishedEarly := false
	h = newHarness(t, withLedger(func(base *memory.Ledger) domain.Ledger {
		return &noShowDuringHold{Ledger: base, fire: func(battleID string) {
			go func() { expired <- h.timing.expirePending(context.Background(), battleID) }()
			select {
			case err := <-expired:
				finishedEarly = true
				expired <- err
			case <-time.After(100 * time.Millisecond):
			}
		}}
	}))
	ctx := context.Background()

	b, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)
	accepted, err := h.svc.Accept(ctx, b.ID, "bob")
	require.NoError(t, err)
	assert.False(t, finishedEarly, "no-show cancelled the battle while its stakes were being held")
	assert.Equal(t, domain.BattleStatusCountdown, accepted.Status)

	select {
	case err := <-expired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no-show handler never finished")
	}

	cur, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BattleStatusCountdown, cur.Status)
	holds, err := h.svc.Holds(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), domain.HeldTotal(holds))
	assert.Equal(t, int64(90), h.balance(t, "alice"))
	assert.Equal(t, int64(90), h.balance(t, "bob"))
}

func TestBattleService_ConcurrentCreatesLeaveOneActive(t *testing.T) {
	gate := &gatedBattles{}
	h := newHarness(t, withBattles(func(base *memory.BattleStore) domain.BattleStore {
		gate.BattleStore = base
		return gate
	}))
	ctx := context.Background()
	gate.arm()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.Create(ctx, "alice", "credits", 10)
		}()
	}
	wg.Wait()

	var created int
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrAlreadyInBattle) || errors.Is(err, domain.ErrLockHeld), err)
	}
	assert.Equal(t, 1, created)

	active, err := h.battles.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestBattleService_ConcurrentAcceptsHoldOneStake(t *testing.T) {
	gate := &gatedBattles{}
	h := newHarness(t, withBattles(func(base *memory.BattleStore) domain.BattleStore {
		gate.BattleStore = base
		return gate
	}))
	ctx := context.Background()

	first, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)
	second, err := h.svc.Create(ctx, "carol", "credits", 10)
	require.NoError(t, err)
	gate.arm()

	ids := []string{first.ID, second.ID}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.Accept(ctx, id, "bob")
		}()
	}
	wg.Wait()

	var accepted int
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrAlreadyInBattle) || errors.Is(err, domain.ErrLockHeld), err)
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, int64(90), h.balance(t, "bob"))

	var bobBattles int
	active, err := h.battles.ListActive(ctx)
	require.NoError(t, err)
	for _, b := range active {
		if b.IsParticipant("bob") {
			bobBattles++
		}
	}
	assert.Equal(t, 1, bobBattles)
}
