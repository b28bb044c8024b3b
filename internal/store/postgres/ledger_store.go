package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// LedgerStore implements domain.Ledger on PostgreSQL. Each operation runs
// in one transaction that claims its ledger_ops key; a conflict means the
// operation was already applied and the call is a no-op.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Hold debits amount from the participant's balance into a held stake.
func (s *LedgerStore) Hold(ctx context.Context, battleID, participantID, stakeType string, amount int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		claimed, err := claimOp(ctx, tx, battleID, participantID, domain.LedgerOpHold)
		if err != nil || !claimed {
			return err
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT amount FROM balances WHERE agent_id = $1 AND stake_type = $2 FOR UPDATE`,
			participantID, stakeType).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: lock balance %s: %w", participantID, err)
		}
		if balance < amount {
			return fmt.Errorf("postgres: hold %s/%s: balance %d < %d: %w",
				battleID, participantID, balance, amount, domain.ErrInsufficientStake)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE balances SET amount = amount - $3, updated_at = NOW() WHERE agent_id = $1 AND stake_type = $2`,
			participantID, stakeType, amount); err != nil {
			return fmt.Errorf("postgres: debit %s: %w", participantID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO stake_holds (battle_id, participant_id, stake_type, amount, state)
			 VALUES ($1, $2, $3, $4, 'held')`,
			battleID, participantID, stakeType, amount); err != nil {
			return fmt.Errorf("postgres: insert hold %s/%s: %w", battleID, participantID, err)
		}
		return nil
	})
}

// Release returns a held stake to its owner. Releasing a hold that does not
// exist, or is no longer held, is a no-op and records nothing, so a release
// that runs ahead of its hold does not block the one that follows it.
func (s *LedgerStore) Release(ctx context.Context, battleID, participantID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var stakeType string
		var amount int64
		err := tx.QueryRow(ctx,
			`UPDATE stake_holds SET state = 'released', updated_at = NOW()
			 WHERE battle_id = $1 AND participant_id = $2 AND state = 'held'
			 RETURNING stake_type, amount`,
			battleID, participantID).Scan(&stakeType, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("postgres: release hold %s/%s: %w", battleID, participantID, err)
		}
		// The held row is the guard here; the ops row only records the release.
		if _, err := claimOp(ctx, tx, battleID, participantID, domain.LedgerOpRelease); err != nil {
			return err
		}
		return credit(ctx, tx, participantID, stakeType, amount)
	})
}

// Transfer moves the loser's held stake to the winner's balance.
func (s *LedgerStore) Transfer(ctx context.Context, battleID, fromID, toID string, amount int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		claimed, err := claimOp(ctx, tx, battleID, fromID, domain.LedgerOpTransfer)
		if err != nil || !claimed {
			return err
		}

		var stakeType string
		err = tx.QueryRow(ctx,
			`UPDATE stake_holds SET state = 'transferred', recipient_id = $3, updated_at = NOW()
			 WHERE battle_id = $1 AND participant_id = $2 AND state = 'held' AND amount = $4
			 RETURNING stake_type`,
			battleID, fromID, toID, amount).Scan(&stakeType)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: transfer %s/%s: no matching hold: %w", battleID, fromID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: transfer hold %s/%s: %w", battleID, fromID, err)
		}
		return credit(ctx, tx, toID, stakeType, amount)
	})
}

// Holds lists the stake holds for a battle.
func (s *LedgerStore) Holds(ctx context.Context, battleID string) ([]domain.StakeHold, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT battle_id, participant_id, stake_type, amount, state, recipient_id, updated_at
		 FROM stake_holds WHERE battle_id = $1 ORDER BY participant_id`, battleID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list holds %s: %w", battleID, err)
	}
	defer rows.Close()

	var holds []domain.StakeHold
	for rows.Next() {
		var h domain.StakeHold
		var state string
		var recipient *string
		if err := rows.Scan(&h.BattleID, &h.ParticipantID, &h.StakeType, &h.Amount, &state, &recipient, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan hold: %w", err)
		}
		h.State = domain.HoldState(state)
		if recipient != nil {
			h.RecipientID = *recipient
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// HeldBattles lists the battles that still have a held stake.
func (s *LedgerStore) HeldBattles(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT battle_id FROM stake_holds WHERE state = 'held' ORDER BY battle_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list held battles: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan held battles: %w", err)
	}
	return ids, nil
}

// Balance returns the spendable balance; unknown agents have zero.
func (s *LedgerStore) Balance(ctx context.Context, agentID, stakeType string) (int64, error) {
	var amount int64
	err := s.pool.QueryRow(ctx,
		`SELECT amount FROM balances WHERE agent_id = $1 AND stake_type = $2`,
		agentID, stakeType).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance %s: %w", agentID, err)
	}
	return amount, nil
}

// Deposit credits an agent's balance outside any battle.
func (s *LedgerStore) Deposit(ctx context.Context, agentID, stakeType string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("postgres: deposit %d: %w", amount, domain.ErrInvalidStake)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return credit(ctx, tx, agentID, stakeType, amount)
	})
}

func (s *LedgerStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

func claimOp(ctx context.Context, tx pgx.Tx, battleID, participantID string, op domain.LedgerOp) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_ops (battle_id, participant_id, op) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		battleID, participantID, string(op))
	if err != nil {
		return false, fmt.Errorf("postgres: claim %s %s/%s: %w", op, battleID, participantID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func credit(ctx context.Context, tx pgx.Tx, agentID, stakeType string, amount int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO balances (agent_id, stake_type, amount) VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id, stake_type) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()`,
		agentID, stakeType, amount)
	if err != nil {
		return fmt.Errorf("postgres: credit %s: %w", agentID, err)
	}
	return nil
}

var _ domain.Ledger = (*LedgerStore)(nil)
