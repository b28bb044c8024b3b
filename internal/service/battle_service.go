package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// BattleService owns the battle lifecycle up to the countdown: create,
// accept with its stake saga, and cancel.
type BattleService struct {
	battles   domain.BattleStore
	reactions domain.ReactionStore
	escrow    *EscrowService
	timing    *TimingService
	settle    *Settlement
	locks     domain.LockManager
	bc        *Broadcaster
	audit     *AuditService
	auditLog  domain.AuditStore
	now       domain.Clock
	logger    *slog.Logger

	sagaLease time.Duration
}

// NewBattleService creates a BattleService with all required dependencies.
func NewBattleService(
	battles domain.BattleStore,
	reactions domain.ReactionStore,
	auditLog domain.AuditStore,
	escrow *EscrowService,
	timing *TimingService,
	settle *Settlement,
	locks domain.LockManager,
	bc *Broadcaster,
	audit *AuditService,
	now domain.Clock,
	logger *slog.Logger,
) *BattleService {
	return &BattleService{
		battles:   battles,
		reactions: reactions,
		auditLog:  auditLog,
		escrow:    escrow,
		timing:    timing,
		settle:    settle,
		locks:     locks,
		bc:        bc,
		audit:     audit,
		now:       now,
		logger:    logger,
		sagaLease: 10 * time.Second,
	}
}

// battleLeaseKey is the lease serializing accept, cancel and the no-show
// timer on one battle.
func battleLeaseKey(battleID string) string { return "battle:" + battleID }

// agentLeaseKey is the lease covering an agent's one-active-battle check
// and the write that makes the agent active.
func agentLeaseKey(agentID string) string { return "agent:" + agentID }

// Create opens a pending battle for creatorID.
func (s *BattleService) Create(ctx context.Context, creatorID, stakeType string, stakeAmount int64) (domain.Battle, error) {
	creatorID = strings.TrimSpace(creatorID)
	stakeType = strings.TrimSpace(stakeType)
	if creatorID == "" {
		return domain.Battle{}, fmt.Errorf("battle_service: creator id required: %w", domain.ErrInvalidBattle)
	}
	if stakeAmount <= 0 || stakeType == "" {
		return domain.Battle{}, fmt.Errorf("battle_service: stake %d %q: %w", stakeAmount, stakeType, domain.ErrInvalidStake)
	}

	unlock, err := s.locks.Acquire(ctx, agentLeaseKey(creatorID), s.sagaLease)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: lock agent %s: %w", creatorID, err)
	}
	defer unlock()

	active, err := s.battles.HasActive(ctx, creatorID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: check active: %w", err)
	}
	if active {
		return domain.Battle{}, fmt.Errorf("battle_service: creator %s: %w", creatorID, domain.ErrAlreadyInBattle)
	}

	b := domain.Battle{
		ID:          uuid.NewString(),
		Status:      domain.BattleStatusPending,
		CreatorID:   creatorID,
		StakeType:   stakeType,
		StakeAmount: stakeAmount,
		CreatedAt:   s.now(),
	}
	if err := s.battles.Create(ctx, b); err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "battle_service: battle created",
		slog.String("battle_id", b.ID),
		slog.String("creator_id", creatorID),
		slog.Int64("stake_amount", stakeAmount),
		slog.String("stake_type", stakeType),
	)
	s.audit.Record(ctx, b.ID, domain.AuditBattleCreated, creatorID, map[string]any{
		"stake_type":   stakeType,
		"stake_amount": stakeAmount,
	})
	s.bc.State(ctx, b)
	s.timing.SchedulePendingExpiry(b)
	return b, nil
}

// Accept pairs opponentID with a pending battle. Both stakes are held
// before the battle becomes accepted; if a hold fails the other is
// released, the battle moves to errored and ErrInsufficientStake is
// returned. On success the countdown starts immediately.
func (s *BattleService) Accept(ctx context.Context, battleID, opponentID string) (domain.Battle, error) {
	opponentID = strings.TrimSpace(opponentID)
	b, err := s.battles.Get(ctx, battleID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: accept %s: %w", battleID, err)
	}
	if b.Status != domain.BattleStatusPending {
		return b, fmt.Errorf("battle_service: accept %s from %s: %w", battleID, b.Status, domain.ErrInvalidStateTransition)
	}
	if opponentID == "" || opponentID == b.CreatorID {
		return b, fmt.Errorf("battle_service: %s cannot accept own battle: %w", opponentID, domain.ErrForbidden)
	}

	// The agent lease is held until the battle is accepted, so the opponent
	// cannot become active elsewhere between the check and the swap.
	unlockAgent, err := s.locks.Acquire(ctx, agentLeaseKey(opponentID), s.sagaLease)
	if err != nil {
		return b, fmt.Errorf("battle_service: lock agent %s: %w", opponentID, err)
	}
	defer unlockAgent()

	active, err := s.battles.HasActive(ctx, opponentID)
	if err != nil {
		return b, fmt.Errorf("battle_service: check active: %w", err)
	}
	if active {
		return b, fmt.Errorf("battle_service: opponent %s: %w", opponentID, domain.ErrAlreadyInBattle)
	}

	unlock, err := s.locks.Acquire(ctx, battleLeaseKey(battleID), s.sagaLease)
	if err != nil {
		return b, fmt.Errorf("battle_service: lock %s: %w", battleID, err)
	}
	defer unlock()

	// Re-read under the lease; a cancel or another accept may have won.
	b, err = s.battles.Get(ctx, battleID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: accept %s: %w", battleID, err)
	}
	if b.Status != domain.BattleStatusPending {
		return b, fmt.Errorf("battle_service: accept %s from %s: %w", battleID, b.Status, domain.ErrInvalidStateTransition)
	}

	withOpponent := b
	withOpponent.OpponentID = opponentID
	if err := s.escrow.HoldBoth(ctx, withOpponent); err != nil {
		failed := s.settle.Fail(ctx, withOpponent, err)
		if errors.Is(err, domain.ErrInsufficientStake) {
			return failed, fmt.Errorf("battle_service: accept %s: %w", battleID, domain.ErrInsufficientStake)
		}
		return failed, fmt.Errorf("battle_service: accept %s: %w", battleID, errors.Join(domain.ErrErrored, err))
	}

	accepted := withOpponent
	accepted.Status = domain.BattleStatusAccepted
	ok, err := swap(ctx, s.battles, b, accepted)
	if err != nil || !ok {
		if relErr := s.escrow.ReleaseAll(ctx, withOpponent); relErr != nil {
			s.logger.ErrorContext(ctx, "battle_service: release after lost accept",
				slog.String("battle_id", battleID),
				slog.String("error", relErr.Error()),
			)
		}
		if err != nil {
			return b, fmt.Errorf("battle_service: accept %s: %w", battleID, err)
		}
		return b, fmt.Errorf("battle_service: accept %s lost race: %w", battleID, domain.ErrInvalidStateTransition)
	}

	s.logger.InfoContext(ctx, "battle_service: battle accepted",
		slog.String("battle_id", battleID),
		slog.String("opponent_id", opponentID),
	)
	s.audit.Record(ctx, battleID, domain.AuditBattleAccepted, opponentID, map[string]any{
		"opponent_id": opponentID,
		"held_total":  2 * b.StakeAmount,
	})
	s.bc.State(ctx, accepted)

	started, err := s.timing.StartCountdown(ctx, accepted)
	if err != nil {
		// Cancelled between the swap and the countdown; the accept itself
		// still happened.
		s.logger.WarnContext(ctx, "battle_service: countdown not started",
			slog.String("battle_id", battleID),
			slog.String("error", err.Error()),
		)
	}
	return started, nil
}

// Cancel withdraws a pending or accepted battle. Only the creator may
// cancel; from countdown on the battle can no longer be cancelled.
func (s *BattleService) Cancel(ctx context.Context, battleID, requesterID string) (domain.Battle, error) {
	b, err := s.battles.Get(ctx, battleID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: cancel %s: %w", battleID, err)
	}
	if requesterID != b.CreatorID {
		return b, fmt.Errorf("battle_service: %s cancel %s: %w", requesterID, battleID, domain.ErrForbidden)
	}
	if !domain.CanTransition(b.Status, domain.BattleStatusCancelled) {
		return b, fmt.Errorf("battle_service: cancel %s from %s: %w", battleID, b.Status, domain.ErrInvalidStateTransition)
	}

	unlock, err := s.locks.Acquire(ctx, battleLeaseKey(battleID), s.sagaLease)
	if err != nil {
		return b, fmt.Errorf("battle_service: lock %s: %w", battleID, err)
	}
	defer unlock()

	b, err = s.battles.Get(ctx, battleID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: cancel %s: %w", battleID, err)
	}

	now := s.now()
	next := b
	next.Status = domain.BattleStatusCancelled
	next.Outcome = domain.OutcomeCancelled
	next.ResolvedAt = &now

	ok, err := swap(ctx, s.battles, b, next)
	if err != nil {
		return b, fmt.Errorf("battle_service: cancel %s: %w", battleID, err)
	}
	if !ok {
		cur, getErr := s.battles.Get(ctx, battleID)
		if getErr != nil {
			cur = b
		}
		return cur, fmt.Errorf("battle_service: cancel %s from %s: %w", battleID, cur.Status, domain.ErrInvalidStateTransition)
	}

	s.logger.InfoContext(ctx, "battle_service: battle cancelled",
		slog.String("battle_id", battleID),
		slog.String("from", string(b.Status)),
	)
	return s.settle.Finalize(ctx, next, requesterID), nil
}

// Get returns a battle by id.
func (s *BattleService) Get(ctx context.Context, battleID string) (domain.Battle, error) {
	b, err := s.battles.Get(ctx, battleID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("battle_service: get %s: %w", battleID, err)
	}
	return b, nil
}

// AuditTrail returns the battle's audit entries oldest first.
func (s *BattleService) AuditTrail(ctx context.Context, battleID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if _, err := s.battles.Get(ctx, battleID); err != nil {
		return nil, fmt.Errorf("battle_service: audit %s: %w", battleID, err)
	}
	return s.auditLog.ListByBattle(ctx, battleID, opts)
}

// Reactions returns every reaction recorded for the battle.
func (s *BattleService) Reactions(ctx context.Context, battleID string) ([]domain.ReactionEvent, error) {
	if _, err := s.battles.Get(ctx, battleID); err != nil {
		return nil, fmt.Errorf("battle_service: reactions %s: %w", battleID, err)
	}
	return s.reactions.ListByBattle(ctx, battleID)
}

// Holds returns the battle's stake holds.
func (s *BattleService) Holds(ctx context.Context, battleID string) ([]domain.StakeHold, error) {
	return s.escrow.Holds(ctx, battleID)
}

// swap performs a legal CAS transition from cur to next.
func swap(ctx context.Context, store domain.BattleStore, cur, next domain.Battle) (bool, error) {
	if !domain.CanTransition(cur.Status, next.Status) {
		return false, fmt.Errorf("%s -> %s: %w", cur.Status, next.Status, domain.ErrInvalidStateTransition)
	}
	return store.CompareAndSwap(ctx, cur.Status, next)
}
