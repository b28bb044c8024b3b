package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BattleStore persists battles. CompareAndSwap is the only way a stored
// battle changes after creation.
type BattleStore interface {
	Create(ctx context.Context, b Battle) error
	Get(ctx context.Context, id string) (Battle, error)
	// CompareAndSwap writes next only when the stored status still equals
	// expected. It reports false, with no error, when another writer moved
	// the battle first.
	CompareAndSwap(ctx context.Context, expected BattleStatus, next Battle) (bool, error)
	HasActive(ctx context.Context, agentID string) (bool, error)
	ListActive(ctx context.Context) ([]Battle, error)
}

// ReactionStore persists the append-only reaction log.
type ReactionStore interface {
	// Record stores ev when the participant has no ontime or false_start
	// reaction on the battle yet and reports true. Otherwise it appends ev as
	// a duplicate and returns the earlier valid reaction with false.
	Record(ctx context.Context, ev ReactionEvent) (ReactionEvent, bool, error)
	ListByBattle(ctx context.Context, battleID string) ([]ReactionEvent, error)
}

// Ledger is the stake escrow contract. Hold, Release and Transfer are
// idempotent per (battle, participant, operation).
type Ledger interface {
	Hold(ctx context.Context, battleID, participantID, stakeType string, amount int64) error
	Release(ctx context.Context, battleID, participantID string) error
	Transfer(ctx context.Context, battleID, fromID, toID string, amount int64) error
	Holds(ctx context.Context, battleID string) ([]StakeHold, error)
	// HeldBattles lists the ids of battles with at least one stake still held.
	HeldBattles(ctx context.Context) ([]string, error)
	Balance(ctx context.Context, agentID, stakeType string) (int64, error)
	Deposit(ctx context.Context, agentID, stakeType string, amount int64) error
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Append(ctx context.Context, e AuditEntry) error
	ListByBattle(ctx context.Context, battleID string, opts ListOpts) ([]AuditEntry, error)
}

// AgentPool supplies the set of agents that can be matched.
type AgentPool interface {
	Touch(ctx context.Context, agentID string, at time.Time) error
	Block(ctx context.Context, blockerID, blockedID string) error
	// ListEligible returns agents seen since seenSince, excluding the
	// requester, agents in a non-terminal battle and blocked pairs in
	// either direction.
	ListEligible(ctx context.Context, requesterID string, seenSince time.Time) ([]string, error)
}
