package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

func TestBattleStore_CompareAndSwap(t *testing.T) {
	s := NewBattleStore()
	ctx := context.Background()
	b := domain.Battle{ID: "b1", Status: domain.BattleStatusAwaitingReaction, CreatorID: "a", OpponentID: "o", StakeType: "credits", StakeAmount: 1}
	require.NoError(t, s.Create(ctx, b))
	require.ErrorIs(t, s.Create(ctx, b), domain.ErrAlreadyExists)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, winner := range []string{"a", "o", "a", "o"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := b
			next.Status = domain.BattleStatusResolved
			next.WinnerID = winner
			ok, err := s.CompareAndSwap(ctx, domain.BattleStatusAwaitingReaction, next)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	_, err := s.CompareAndSwap(ctx, domain.BattleStatusPending, domain.Battle{ID: "nope"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	active, err := s.HasActive(ctx, "a")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestReactionStore_FirstValidWins(t *testing.T) {
	s := NewReactionStore()
	ctx := context.Background()

	first, fresh, err := s.Record(ctx, domain.ReactionEvent{BattleID: "b1", ParticipantID: "a", LatencyMs: 120, Validity: domain.ReactionOnTime})
	require.NoError(t, err)
	assert.True(t, fresh)

	prev, fresh, err := s.Record(ctx, domain.ReactionEvent{BattleID: "b1", ParticipantID: "a", LatencyMs: 80, Validity: domain.ReactionOnTime})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, first.ID, prev.ID)

	evs, err := s.ListByBattle(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.ReactionDuplicate, evs[1].Validity)
	assert.Equal(t, int64(80), evs[1].LatencyMs)
}

func TestLedger_HoldIsIdempotent(t *testing.T) {
	l := NewLedger(100)
	ctx := context.Background()

	require.NoError(t, l.Hold(ctx, "b1", "a", "credits", 30))
	require.NoError(t, l.Hold(ctx, "b1", "a", "credits", 30))
	bal, err := l.Balance(ctx, "a", "credits")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)

	require.ErrorIs(t, l.Hold(ctx, "b2", "a", "credits", 71), domain.ErrInsufficientStake)
	require.ErrorIs(t, l.Hold(ctx, "b3", "a", "credits", 0), domain.ErrInvalidStake)

	require.NoError(t, l.Release(ctx, "b1", "a"))
	require.NoError(t, l.Release(ctx, "b1", "a"))
	bal, _ = l.Balance(ctx, "a", "credits")
	assert.Equal(t, int64(100), bal)
}

func TestLedger_TransferRequiresMatchingHold(t *testing.T) {
	l := NewLedger(50)
	ctx := context.Background()

	require.ErrorIs(t, l.Transfer(ctx, "b1", "a", "o", 10), domain.ErrNotFound)

	require.NoError(t, l.Hold(ctx, "b1", "a", "credits", 10))
	require.Error(t, l.Transfer(ctx, "b1", "a", "o", 11))
	require.NoError(t, l.Transfer(ctx, "b1", "a", "o", 10))
	require.NoError(t, l.Transfer(ctx, "b1", "a", "o", 10))

	a, _ := l.Balance(ctx, "a", "credits")
	o, _ := l.Balance(ctx, "o", "credits")
	assert.Equal(t, int64(40), a)
	assert.Equal(t, int64(60), o)

	holds, err := l.Holds(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, domain.HoldStateTransferred, holds[0].State)
	assert.Equal(t, "o", holds[0].RecipientID)

	// Releasing a transferred stake must not refund it.
	require.NoError(t, l.Release(ctx, "b1", "a"))
	a, _ = l.Balance(ctx, "a", "credits")
	assert.Equal(t, int64(40), a)
}

func TestLedger_ReleaseBeforeHoldIsNotRemembered(t *testing.T) {
	l := NewLedger(100)
	ctx := context.Background()

	require.NoError(t, l.Release(ctx, "b1", "alice"))
	require.NoError(t, l.Hold(ctx, "b1", "alice", "credits", 10))
	held, err := l.HeldBattles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, held)

	require.NoError(t, l.Release(ctx, "b1", "alice"))
	bal, err := l.Balance(ctx, "alice", "credits")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	held, err = l.HeldBattles(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestBattleStore_CreateRejectsSecondActiveBattle(t *testing.T) {
	s := NewBattleStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, domain.Battle{ID: "b1", Status: domain.BattleStatusPending, CreatorID: "alice", OpponentID: "bob"}))

	require.ErrorIs(t, s.Create(ctx, domain.Battle{ID: "b2", Status: domain.BattleStatusPending, CreatorID: "alice"}), domain.ErrAlreadyInBattle)
	require.ErrorIs(t, s.Create(ctx, domain.Battle{ID: "b3", Status: domain.BattleStatusPending, CreatorID: "bob"}), domain.ErrAlreadyInBattle)
	require.ErrorIs(t, s.Create(ctx, domain.Battle{ID: "b4", Status: domain.BattleStatusPending, CreatorID: "carol", OpponentID: "alice"}), domain.ErrAlreadyInBattle)
	require.NoError(t, s.Create(ctx, domain.Battle{ID: "b5", Status: domain.BattleStatusResolved, CreatorID: "alice"}))

	next := domain.Battle{ID: "b1", Status: domain.BattleStatusCancelled, CreatorID: "alice", OpponentID: "bob"}
	ok, err := s.CompareAndSwap(ctx, domain.BattleStatusPending, next)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Create(ctx, domain.Battle{ID: "b6", Status: domain.BattleStatusPending, CreatorID: "alice"}))
}

func TestLedger_Deposit(t *testing.T) {
	l := NewLedger(0)
	ctx := context.Background()
	require.ErrorIs(t, l.Deposit(ctx, "a", "gems", -5), domain.ErrInvalidStake)
	require.NoError(t, l.Deposit(ctx, "a", "gems", 5))
	bal, _ := l.Balance(ctx, "a", "gems")
	assert.Equal(t, int64(5), bal)
}

func TestAuditStore_ListByBattle(t *testing.T) {
	s := NewAuditStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ev := range []string{domain.AuditBattleCreated, domain.AuditBattleAccepted, domain.AuditCountdownStarted} {
		require.NoError(t, s.Append(ctx, domain.AuditEntry{BattleID: "b1", Event: ev, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, s.Append(ctx, domain.AuditEntry{BattleID: "b2", Event: domain.AuditBattleCreated, CreatedAt: base}))

	all, err := s.ListByBattle(ctx, "b1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.NotZero(t, all[0].ID)

	since := base.Add(time.Second)
	page, err := s.ListByBattle(ctx, "b1", domain.ListOpts{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.AuditBattleAccepted, page[0].Event)
}

func TestAgentPool_ListEligible(t *testing.T) {
	battles := NewBattleStore()
	p := NewAgentPool(battles)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.Touch(ctx, "me", now))
	require.NoError(t, p.Touch(ctx, "fresh", now))
	require.NoError(t, p.Touch(ctx, "old", now.Add(-time.Hour)))
	require.NoError(t, p.Touch(ctx, "blocker", now))
	require.NoError(t, p.Block(ctx, "blocker", "me"))

	got, err := p.ListEligible(ctx, "me", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, got)
}
