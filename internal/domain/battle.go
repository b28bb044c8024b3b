package domain

import "time"

// BattleStatus tracks the battle lifecycle.
type BattleStatus string

const (
	BattleStatusPending          BattleStatus = "pending"
	BattleStatusAccepted         BattleStatus = "accepted"
	BattleStatusCountdown        BattleStatus = "countdown"
	BattleStatusAwaitingReaction BattleStatus = "awaiting_reaction"
	BattleStatusResolved         BattleStatus = "resolved"
	BattleStatusExpired          BattleStatus = "expired"
	BattleStatusCancelled        BattleStatus = "cancelled"
	BattleStatusErrored          BattleStatus = "errored"
)

// IsTerminal reports whether no further lifecycle transition may follow.
func (s BattleStatus) IsTerminal() bool {
	switch s {
	case BattleStatusResolved, BattleStatusExpired, BattleStatusCancelled, BattleStatusErrored:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s BattleStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses along the happy path so consumers can discard stale
// deliveries. Terminal states share the highest rank.
func (s BattleStatus) Rank() int {
	return statusRank[s]
}

var statusRank = map[BattleStatus]int{
	BattleStatusPending:          1,
	BattleStatusAccepted:         2,
	BattleStatusCountdown:        3,
	BattleStatusAwaitingReaction: 4,
	BattleStatusResolved:         5,
	BattleStatusExpired:          5,
	BattleStatusCancelled:        5,
	BattleStatusErrored:          5,
}

// transitions lists every legal move. Errored is reachable from anywhere and
// is handled separately in CanTransition.
var transitions = map[BattleStatus][]BattleStatus{
	BattleStatusPending:   {BattleStatusAccepted, BattleStatusCancelled},
	BattleStatusAccepted:  {BattleStatusCountdown, BattleStatusCancelled},
	BattleStatusCountdown: {BattleStatusAwaitingReaction, BattleStatusResolved},
	BattleStatusAwaitingReaction: {
		BattleStatusResolved,
		BattleStatusExpired,
	},
}

// CanTransition reports whether from → to is a legal battle transition.
// countdown → resolved only happens when a false start forfeits the battle
// before the flash fires.
func CanTransition(from, to BattleStatus) bool {
	if to == BattleStatusErrored {
		return from != BattleStatusErrored
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Battle is one two-party staked reaction duel.
type Battle struct {
	ID                 string       `json:"id"`
	Status             BattleStatus `json:"status"`
	CreatorID          string       `json:"creator_id"`
	OpponentID         string       `json:"opponent_id,omitempty"`
	StakeType          string       `json:"stake_type"`
	StakeAmount        int64        `json:"stake_amount"`
	CountdownStartAt   *time.Time   `json:"countdown_start_at,omitempty"`
	FlashAt            *time.Time   `json:"flash_at,omitempty"`
	WindowCloseAt      *time.Time   `json:"window_close_at,omitempty"`
	CreatorReactionMs  *int64       `json:"creator_reaction_ms,omitempty"`
	OpponentReactionMs *int64       `json:"opponent_reaction_ms,omitempty"`
	WinnerID           string       `json:"winner_id,omitempty"`
	Tie                bool         `json:"tie"`
	Outcome            Outcome      `json:"outcome,omitempty"`
	ErrorReason        string       `json:"error_reason,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	ResolvedAt         *time.Time   `json:"resolved_at,omitempty"`
}

// Outcome describes how a terminal battle ended.
type Outcome string

const (
	OutcomeWin         Outcome = "win"
	OutcomeForfeit     Outcome = "forfeit"
	OutcomeTie         Outcome = "tie"
	OutcomeForfeitTie  Outcome = "forfeit_tie"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeNoShow      Outcome = "no_show"
	OutcomeLedgerError Outcome = "ledger_error"
)

// IsParticipant reports whether agentID is the creator or the opponent.
func (b Battle) IsParticipant(agentID string) bool {
	return agentID != "" && (agentID == b.CreatorID || agentID == b.OpponentID)
}

// Other returns the other participant's id.
func (b Battle) Other(agentID string) string {
	if agentID == b.CreatorID {
		return b.OpponentID
	}
	return b.CreatorID
}

// Participants returns the creator and, when set, the opponent.
func (b Battle) Participants() []string {
	if b.OpponentID == "" {
		return []string{b.CreatorID}
	}
	return []string{b.CreatorID, b.OpponentID}
}

// ReactionMs returns the recorded latency for a participant, if any.
func (b Battle) ReactionMs(agentID string) *int64 {
	switch agentID {
	case b.CreatorID:
		return b.CreatorReactionMs
	case b.OpponentID:
		return b.OpponentReactionMs
	}
	return nil
}

// SetReactionMs records a participant's latency on the battle.
func (b *Battle) SetReactionMs(agentID string, ms int64) {
	v := ms
	switch agentID {
	case b.CreatorID:
		b.CreatorReactionMs = &v
	case b.OpponentID:
		b.OpponentReactionMs = &v
	}
}

// Validate checks the record-level invariants of a battle.
func (b Battle) Validate() error {
	if b.ID == "" || b.CreatorID == "" {
		return ErrInvalidBattle
	}
	if !b.Status.Valid() {
		return ErrInvalidBattle
	}
	if b.StakeAmount <= 0 {
		return ErrInvalidStake
	}
	if b.OpponentID != "" && b.OpponentID == b.CreatorID {
		return ErrInvalidBattle
	}
	if b.CountdownStartAt != nil && b.FlashAt != nil && b.FlashAt.Before(*b.CountdownStartAt) {
		return ErrInvalidBattle
	}
	if b.WinnerID != "" && ((b.Status != BattleStatusResolved && b.Status != BattleStatusErrored) || !b.IsParticipant(b.WinnerID)) {
		return ErrInvalidBattle
	}
	return nil
}
