package domain

import (
	"strconv"
	"time"
)

// Broadcast event types.
const (
	EventBattleState       = "battle_state"
	EventReactionSubmitted = "reaction_submitted"
)

// BattleEvent is the payload pushed on a battle topic. Delivery is
// at-least-once and consumers deduplicate on Key. For battle_state events
// Seq is the status rank, so a client holding a state of the same or a
// higher Seq can drop the event. reaction_submitted events leave Seq zero
// and are identified by ReactionID.
type BattleEvent struct {
	Type               string           `json:"type"`
	BattleID           string           `json:"battle_id"`
	Seq                int              `json:"seq"`
	ReactionID         int64            `json:"reaction_id,omitempty"`
	Status             BattleStatus     `json:"status"`
	CountdownStartAt   *time.Time       `json:"countdown_start_at,omitempty"`
	FlashAt            *time.Time       `json:"flash_at,omitempty"`
	WindowCloseAt      *time.Time       `json:"window_close_at,omitempty"`
	WinnerID           string           `json:"winner_id,omitempty"`
	Tie                bool             `json:"tie,omitempty"`
	Outcome            Outcome          `json:"outcome,omitempty"`
	CreatorReactionMs  *int64           `json:"creator_reaction_ms,omitempty"`
	OpponentReactionMs *int64           `json:"opponent_reaction_ms,omitempty"`
	ParticipantID      string           `json:"participant_id,omitempty"`
	Validity           ReactionValidity `json:"validity,omitempty"`
	LatencyMs          *int64           `json:"latency_ms,omitempty"`
	ServerTime         time.Time        `json:"server_time"`
}

// StateEvent builds a battle_state event from a committed battle.
func StateEvent(b Battle, now time.Time) BattleEvent {
	return BattleEvent{
		Type:               EventBattleState,
		BattleID:           b.ID,
		Seq:                b.Status.Rank(),
		Status:             b.Status,
		CountdownStartAt:   b.CountdownStartAt,
		FlashAt:            b.FlashAt,
		WindowCloseAt:      b.WindowCloseAt,
		WinnerID:           b.WinnerID,
		Tie:                b.Tie,
		Outcome:            b.Outcome,
		CreatorReactionMs:  b.CreatorReactionMs,
		OpponentReactionMs: b.OpponentReactionMs,
		ServerTime:         now,
	}
}

// ReactionSubmittedEvent builds a reaction_submitted event from a stored
// reaction.
func ReactionSubmittedEvent(b Battle, r ReactionEvent, now time.Time) BattleEvent {
	latency := r.LatencyMs
	return BattleEvent{
		Type:          EventReactionSubmitted,
		BattleID:      b.ID,
		ReactionID:    r.ID,
		Status:        b.Status,
		ParticipantID: r.ParticipantID,
		Validity:      r.Validity,
		LatencyMs:     &latency,
		ServerTime:    now,
	}
}

// Key identifies the event for deduplication within its battle.
func (e BattleEvent) Key() string {
	if e.Type == EventReactionSubmitted {
		return "reaction:" + strconv.FormatInt(e.ReactionID, 10)
	}
	return e.Type + ":" + strconv.Itoa(e.Seq)
}

// BattleTopic returns the pub/sub channel for a battle.
func BattleTopic(battleID string) string {
	return "battle:" + battleID
}

// BattleStream returns the durable replay stream for a battle.
func BattleStream(battleID string) string {
	return "battle-stream:" + battleID
}
