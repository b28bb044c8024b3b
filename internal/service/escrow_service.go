package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// RetryPolicy bounds ledger retries. Ledger operations are idempotent, so
// a retry after an ambiguous failure can never double-apply.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        4,
	InitialInterval: 50 * time.Millisecond,
	MaxElapsed:      5 * time.Second,
}

// EscrowService drives the stake ledger for a battle: the accept-time hold
// saga and the terminal release or payout.
type EscrowService struct {
	ledger domain.Ledger
	audit  *AuditService
	retry  RetryPolicy
	logger *slog.Logger
}

// NewEscrowService creates an EscrowService.
func NewEscrowService(ledger domain.Ledger, audit *AuditService, retry RetryPolicy, logger *slog.Logger) *EscrowService {
	if retry.MaxTries == 0 {
		retry = DefaultRetryPolicy
	}
	return &EscrowService{ledger: ledger, audit: audit, retry: retry, logger: logger}
}

// HoldBoth reserves the creator's then the opponent's stake. When the second
// hold fails the first is released before the error is returned.
func (e *EscrowService) HoldBoth(ctx context.Context, b domain.Battle) error {
	if err := e.hold(ctx, b, b.CreatorID); err != nil {
		return err
	}
	if err := e.hold(ctx, b, b.OpponentID); err != nil {
		if relErr := e.release(ctx, b, b.CreatorID); relErr != nil {
			return errors.Join(err, fmt.Errorf("escrow: compensate creator hold: %w", relErr))
		}
		return err
	}
	return nil
}

// ReleaseAll returns every held stake of the battle to its owner.
func (e *EscrowService) ReleaseAll(ctx context.Context, b domain.Battle) error {
	var errs []error
	for _, id := range b.Participants() {
		if err := e.release(ctx, b, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Payout moves the loser's stake to the winner and returns the winner's own
// stake.
func (e *EscrowService) Payout(ctx context.Context, b domain.Battle) error {
	loser := b.Other(b.WinnerID)
	err := e.withRetry(ctx, func() error {
		return e.ledger.Transfer(ctx, b.ID, loser, b.WinnerID, b.StakeAmount)
	})
	if err != nil {
		return fmt.Errorf("escrow: transfer %s->%s: %w", loser, b.WinnerID, err)
	}
	e.audit.Record(ctx, b.ID, domain.AuditStakeTransferred, domain.ActorSystem, map[string]any{
		"from":   loser,
		"to":     b.WinnerID,
		"amount": b.StakeAmount,
	})
	return e.release(ctx, b, b.WinnerID)
}

// Holds lists the battle's stake holds.
func (e *EscrowService) Holds(ctx context.Context, battleID string) ([]domain.StakeHold, error) {
	return e.ledger.Holds(ctx, battleID)
}

// HeldBattles lists the battles that still have a held stake.
func (e *EscrowService) HeldBattles(ctx context.Context) ([]string, error) {
	return e.ledger.HeldBattles(ctx)
}

// Balance returns an agent's spendable balance.
func (e *EscrowService) Balance(ctx context.Context, agentID, stakeType string) (int64, error) {
	return e.ledger.Balance(ctx, agentID, stakeType)
}

func (e *EscrowService) hold(ctx context.Context, b domain.Battle, participantID string) error {
	err := e.withRetry(ctx, func() error {
		err := e.ledger.Hold(ctx, b.ID, participantID, b.StakeType, b.StakeAmount)
		if errors.Is(err, domain.ErrInsufficientStake) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("escrow: hold %s: %w", participantID, err)
	}
	e.audit.Record(ctx, b.ID, domain.AuditStakeHeld, participantID, map[string]any{
		"participant_id": participantID,
		"stake_type":     b.StakeType,
		"amount":         b.StakeAmount,
	})
	return nil
}

func (e *EscrowService) release(ctx context.Context, b domain.Battle, participantID string) error {
	err := e.withRetry(ctx, func() error {
		return e.ledger.Release(ctx, b.ID, participantID)
	})
	if err != nil {
		return fmt.Errorf("escrow: release %s: %w", participantID, err)
	}
	e.audit.Record(ctx, b.ID, domain.AuditStakeReleased, domain.ActorSystem, map[string]any{
		"participant_id": participantID,
	})
	return nil
}

func (e *EscrowService) withRetry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retry.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(e.retry.MaxTries),
		backoff.WithMaxElapsedTime(e.retry.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.WarnContext(ctx, "escrow: ledger call failed, retrying",
				slog.Duration("next", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	return err
}
