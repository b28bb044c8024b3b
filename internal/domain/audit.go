package domain

import "time"

// Audit event types.
const (
	AuditBattleCreated    = "battle_created"
	AuditBattleAccepted   = "battle_accepted"
	AuditCountdownStarted = "countdown_started"
	AuditFlashFired       = "flash_fired"
	AuditReaction         = "reaction"
	AuditReactionLate     = "reaction_late"
	AuditBattleResolved   = "battle_resolved"
	AuditBattleExpired    = "battle_expired"
	AuditBattleCancelled  = "battle_cancelled"
	AuditBattleErrored    = "battle_errored"
	AuditStakeHeld        = "stake_held"
	AuditStakeReleased    = "stake_released"
	AuditStakeTransferred = "stake_transferred"
)

// ActorSystem marks entries produced by timers and compensations.
const ActorSystem = "system"

// AuditEntry is a single append-only audit row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	BattleID  string         `json:"battle_id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
