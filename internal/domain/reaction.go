package domain

import "time"

// ReactionValidity classifies a reaction submission.
type ReactionValidity string

const (
	ReactionOnTime     ReactionValidity = "ontime"
	ReactionFalseStart ReactionValidity = "false_start"
	ReactionDuplicate  ReactionValidity = "duplicate"
)

// ReactionEvent is one append-only reaction record. LatencyMs is always
// computed from ReceivedAt and the battle's flash instant; ClientReportedAt
// is kept for diagnostics only.
type ReactionEvent struct {
	ID               int64            `json:"id"`
	BattleID         string           `json:"battle_id"`
	ParticipantID    string           `json:"participant_id"`
	ReceivedAt       time.Time        `json:"received_at"`
	ClientReportedAt *time.Time       `json:"client_reported_at,omitempty"`
	LatencyMs        int64            `json:"latency_ms"`
	Validity         ReactionValidity `json:"validity"`
}

// ReactionResult is returned by a reaction submission.
type ReactionResult struct {
	Validity  ReactionValidity `json:"validity"`
	LatencyMs *int64           `json:"latency_ms,omitempty"`
	Status    BattleStatus     `json:"status"`
	Battle    Battle           `json:"battle"`
}
