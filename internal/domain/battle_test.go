package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]BattleStatus{
		{BattleStatusPending, BattleStatusAccepted},
		{BattleStatusPending, BattleStatusCancelled},
		{BattleStatusAccepted, BattleStatusCountdown},
		{BattleStatusAccepted, BattleStatusCancelled},
		{BattleStatusCountdown, BattleStatusAwaitingReaction},
		{BattleStatusCountdown, BattleStatusResolved},
		{BattleStatusAwaitingReaction, BattleStatusResolved},
		{BattleStatusAwaitingReaction, BattleStatusExpired},
		{BattleStatusPending, BattleStatusErrored},
		{BattleStatusResolved, BattleStatusErrored},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]BattleStatus{
		{BattleStatusPending, BattleStatusCountdown},
		{BattleStatusCountdown, BattleStatusCancelled},
		{BattleStatusAwaitingReaction, BattleStatusCancelled},
		{BattleStatusResolved, BattleStatusExpired},
		{BattleStatusExpired, BattleStatusResolved},
		{BattleStatusCancelled, BattleStatusAccepted},
		{BattleStatusErrored, BattleStatusErrored},
		{BattleStatusErrored, BattleStatusResolved},
	}
	for _, tr := range rejected {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestBattleStatus_TerminalAndRank(t *testing.T) {
	assert.False(t, BattleStatusCountdown.IsTerminal())
	assert.True(t, BattleStatusExpired.IsTerminal())
	assert.Less(t, BattleStatusAccepted.Rank(), BattleStatusCountdown.Rank())
	assert.Equal(t, BattleStatusResolved.Rank(), BattleStatusErrored.Rank())
	assert.False(t, BattleStatus("paused").Valid())
}

func TestBattle_Validate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	flash := start.Add(5 * time.Second)
	early := start.Add(-time.Second)
	valid := Battle{
		ID:               "b1",
		Status:           BattleStatusResolved,
		CreatorID:        "alice",
		OpponentID:       "bob",
		StakeType:        "credits",
		StakeAmount:      10,
		CountdownStartAt: &start,
		FlashAt:          &flash,
		WinnerID:         "alice",
	}
	assert.NoError(t, valid.Validate())

	cases := map[string]struct {
		mutate func(*Battle)
		want   error
	}{
		"missing creator":        {func(b *Battle) { b.CreatorID = "" }, ErrInvalidBattle},
		"zero stake":             {func(b *Battle) { b.StakeAmount = 0 }, ErrInvalidStake},
		"self duel":              {func(b *Battle) { b.OpponentID = "alice" }, ErrInvalidBattle},
		"flash before countdown": {func(b *Battle) { b.FlashAt = &early }, ErrInvalidBattle},
		"winner outsider":        {func(b *Battle) { b.WinnerID = "carol" }, ErrInvalidBattle},
		"winner while countdown": {func(b *Battle) { b.Status = BattleStatusCountdown }, ErrInvalidBattle},
		"unknown status":         {func(b *Battle) { b.Status = "paused" }, ErrInvalidBattle},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := valid
			tc.mutate(&b)
			assert.ErrorIs(t, b.Validate(), tc.want)
		})
	}

	errored := valid
	errored.Status = BattleStatusErrored
	assert.NoError(t, errored.Validate())
}

func TestBattle_Participants(t *testing.T) {
	b := Battle{CreatorID: "alice"}
	assert.Equal(t, []string{"alice"}, b.Participants())
	assert.False(t, b.IsParticipant(""))

	b.OpponentID = "bob"
	assert.Equal(t, "bob", b.Other("alice"))
	assert.Equal(t, "alice", b.Other("bob"))

	b.SetReactionMs("bob", 212)
	assert.Nil(t, b.ReactionMs("alice"))
	assert.Equal(t, int64(212), *b.ReactionMs("bob"))
}

func TestResolvedError(t *testing.T) {
	var err error = &ResolvedError{Battle: Battle{ID: "b1", Status: BattleStatusResolved}}
	assert.True(t, errors.Is(err, ErrAlreadyResolved))
	assert.Equal(t, "battle b1 already resolved", err.Error())
}

func TestHeldTotal(t *testing.T) {
	holds := []StakeHold{
		{ParticipantID: "a", Amount: 10, State: HoldStateHeld},
		{ParticipantID: "b", Amount: 10, State: HoldStateReleased},
		{ParticipantID: "c", Amount: 7, State: HoldStateHeld},
	}
	assert.Equal(t, int64(17), HeldTotal(holds))
}

func TestStateEventSeq(t *testing.T) {
	now := time.Now()
	ev := StateEvent(Battle{ID: "b1", Status: BattleStatusAwaitingReaction}, now)
	assert.Equal(t, EventBattleState, ev.Type)
	assert.Equal(t, 4, ev.Seq)
	assert.Equal(t, "battle:b1", BattleTopic("b1"))
	assert.Equal(t, "battle-stream:b1", BattleStream("b1"))
}

func TestReactionEventsHaveDistinctKeys(t *testing.T) {
	now := time.Now()
	b := Battle{ID: "b1", Status: BattleStatusAwaitingReaction}
	state := StateEvent(b, now)
	first := ReactionSubmittedEvent(b, ReactionEvent{ID: 7, ParticipantID: "alice", Validity: ReactionOnTime, LatencyMs: 210}, now)
	second := ReactionSubmittedEvent(b, ReactionEvent{ID: 8, ParticipantID: "bob", Validity: ReactionOnTime, LatencyMs: 250}, now)

	assert.Equal(t, EventReactionSubmitted, first.Type)
	assert.Zero(t, first.Seq)
	require.NotNil(t, first.LatencyMs)
	assert.Equal(t, int64(210), *first.LatencyMs)

	keys := map[string]bool{state.Key(): true, first.Key(): true, second.Key(): true}
	assert.Len(t, keys, 3)
	assert.Equal(t, "battle_state:4", state.Key())
	assert.Equal(t, "reaction:7", first.Key())
}
