package handler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

func ms(v int64) *int64 { return &v }

func TestReactionOutcome(t *testing.T) {
	resolved := domain.Battle{
		ID:                 "b1",
		Status:             domain.BattleStatusResolved,
		CreatorID:          "alice",
		OpponentID:         "bob",
		CreatorReactionMs:  ms(180),
		OpponentReactionMs: ms(245),
		WinnerID:           "alice",
		Outcome:            domain.OutcomeWin,
	}

	t.Run("winner", func(t *testing.T) {
		body, ok := ReactionOutcome("b1", "alice", domain.ReactionResult{
			Validity:  domain.ReactionOnTime,
			LatencyMs: ms(180),
			Status:    resolved.Status,
			Battle:    resolved,
		}, nil)
		assert.True(t, ok)
		assert.Equal(t, "won", body.Result)
		assert.Equal(t, "alice", body.WinnerID)
		assert.Equal(t, int64(180), *body.LatencyMs)
	})

	t.Run("loser after resolution", func(t *testing.T) {
		body, ok := ReactionOutcome("b1", "bob", domain.ReactionResult{}, &domain.ResolvedError{Battle: resolved})
		assert.True(t, ok)
		assert.Equal(t, "lost", body.Result)
		assert.Equal(t, domain.BattleStatusResolved, body.Status)
		assert.Equal(t, "you lost by 65 ms", body.Message)
	})

	t.Run("forfeit", func(t *testing.T) {
		b := resolved
		b.OpponentReactionMs = nil
		b.Outcome = domain.OutcomeForfeit
		body, ok := ReactionOutcome("b1", "bob", domain.ReactionResult{}, &domain.ResolvedError{Battle: b})
		assert.True(t, ok)
		assert.Equal(t, "you lost by false start", body.Message)
	})

	t.Run("window expired before submission", func(t *testing.T) {
		b := resolved
		b.Status = domain.BattleStatusExpired
		b.WinnerID = ""
		b.CreatorReactionMs = nil
		b.OpponentReactionMs = nil
		b.Outcome = domain.OutcomeTimeout
		body, ok := ReactionOutcome("b1", "bob", domain.ReactionResult{}, &domain.ResolvedError{Battle: b})
		assert.True(t, ok)
		assert.Equal(t, string(domain.OutcomeTimeout), body.Result)
		assert.Equal(t, domain.BattleStatusExpired, body.Status)
		assert.Equal(t, "battle already expired", body.Message)
	})

	t.Run("errored before submission", func(t *testing.T) {
		b := resolved
		b.Status = domain.BattleStatusErrored
		b.WinnerID = ""
		b.Outcome = domain.OutcomeLedgerError
		body, ok := ReactionOutcome("b1", "alice", domain.ReactionResult{}, &domain.ResolvedError{Battle: b})
		assert.True(t, ok)
		assert.Equal(t, string(domain.OutcomeLedgerError), body.Result)
		assert.Equal(t, "battle already errored", body.Message)
	})

	t.Run("winner after resolution", func(t *testing.T) {
		b := resolved
		b.OpponentReactionMs = nil
		b.Outcome = domain.OutcomeForfeit
		body, ok := ReactionOutcome("b1", "alice", domain.ReactionResult{}, &domain.ResolvedError{Battle: b})
		assert.True(t, ok)
		assert.Equal(t, "won", body.Result)
		assert.Equal(t, "battle already resolved", body.Message)
	})

	t.Run("still pending", func(t *testing.T) {
		b := resolved
		b.Status = domain.BattleStatusAwaitingReaction
		b.WinnerID = ""
		body, ok := ReactionOutcome("b1", "bob", domain.ReactionResult{Status: b.Status, Battle: b}, nil)
		assert.True(t, ok)
		assert.Equal(t, "pending", body.Result)
	})

	t.Run("tie", func(t *testing.T) {
		b := resolved
		b.WinnerID = ""
		b.Tie = true
		body, _ := ReactionOutcome("b1", "bob", domain.ReactionResult{Status: b.Status, Battle: b}, nil)
		assert.Equal(t, "tie", body.Result)
	})

	t.Run("real failure", func(t *testing.T) {
		_, ok := ReactionOutcome("b1", "bob", domain.ReactionResult{}, errors.New("store down"))
		assert.False(t, ok)
	})
}
