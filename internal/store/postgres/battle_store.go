package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// BattleStore implements domain.BattleStore using PostgreSQL.
type BattleStore struct {
	pool *pgxpool.Pool
}

// NewBattleStore creates a new BattleStore backed by the given connection pool.
func NewBattleStore(pool *pgxpool.Pool) *BattleStore {
	return &BattleStore{pool: pool}
}

const battleSelectCols = `id, status, creator_id, opponent_id, stake_type, stake_amount,
	countdown_start_at, flash_at, window_close_at,
	creator_reaction_ms, opponent_reaction_ms, winner_id, tie, outcome, error_reason,
	created_at, resolved_at`

// activeStatuses lists the non-terminal statuses.
var activeStatuses = []string{
	string(domain.BattleStatusPending),
	string(domain.BattleStatusAccepted),
	string(domain.BattleStatusCountdown),
	string(domain.BattleStatusAwaitingReaction),
}

// activeCreatorIndex is the partial unique index allowing one non-terminal
// battle per creator.
const activeCreatorIndex = "battles_active_creator_uniq"

// Create inserts a new battle. A non-terminal battle is refused when either
// participant already takes part in a non-terminal one. The NOT EXISTS guard
// covers both participant columns; activeCreatorIndex settles two inserts
// racing past it.
func (s *BattleStore) Create(ctx context.Context, b domain.Battle) error {
	const query = `
		INSERT INTO battles (
			id, status, creator_id, opponent_id, stake_type, stake_amount, created_at
		)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::bigint, $7::timestamptz
		WHERE $2::text <> ALL($8) OR NOT EXISTS (
			SELECT 1 FROM battles
			WHERE (creator_id IN ($3, $4) OR opponent_id IN ($3, $4)) AND status = ANY($8)
		)`

	tag, err := s.pool.Exec(ctx, query,
		b.ID, string(b.Status), b.CreatorID, nullString(b.OpponentID),
		b.StakeType, b.StakeAmount, b.CreatedAt, activeStatuses,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == activeCreatorIndex {
				return fmt.Errorf("postgres: create battle %s: %w", b.ID, domain.ErrAlreadyInBattle)
			}
			return fmt.Errorf("postgres: create battle %s: %w", b.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create battle %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create battle %s: %w", b.ID, domain.ErrAlreadyInBattle)
	}
	return nil
}

// Get retrieves a single battle by ID.
func (s *BattleStore) Get(ctx context.Context, id string) (domain.Battle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+battleSelectCols+` FROM battles WHERE id = $1`, id)
	b, err := scanBattle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Battle{}, domain.ErrNotFound
		}
		return domain.Battle{}, fmt.Errorf("postgres: get battle %s: %w", id, err)
	}
	return b, nil
}

// CompareAndSwap overwrites the mutable columns of next.ID only when the
// stored status equals expected. The WHERE clause is the whole concurrency
// control: two processes racing on the same battle cannot both match.
func (s *BattleStore) CompareAndSwap(ctx context.Context, expected domain.BattleStatus, next domain.Battle) (bool, error) {
	const query = `
		UPDATE battles SET
			status = $3,
			opponent_id = $4,
			countdown_start_at = $5,
			flash_at = $6,
			window_close_at = $7,
			creator_reaction_ms = $8,
			opponent_reaction_ms = $9,
			winner_id = $10,
			tie = $11,
			outcome = $12,
			error_reason = $13,
			resolved_at = $14,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query,
		next.ID, string(expected), string(next.Status), nullString(next.OpponentID),
		next.CountdownStartAt, next.FlashAt, next.WindowCloseAt,
		next.CreatorReactionMs, next.OpponentReactionMs,
		nullString(next.WinnerID), next.Tie, string(next.Outcome), next.ErrorReason,
		next.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: cas battle %s %s->%s: %w", next.ID, expected, next.Status, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM battles WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: cas battle %s exists: %w", next.ID, err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

// HasActive reports whether the agent participates in a non-terminal battle.
func (s *BattleStore) HasActive(ctx context.Context, agentID string) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM battles
			WHERE (creator_id = $1 OR opponent_id = $1) AND status = ANY($2)
		)`
	var active bool
	if err := s.pool.QueryRow(ctx, query, agentID, activeStatuses).Scan(&active); err != nil {
		return false, fmt.Errorf("postgres: has active battle %s: %w", agentID, err)
	}
	return active, nil
}

// ListActive returns every non-terminal battle, oldest first.
func (s *BattleStore) ListActive(ctx context.Context) ([]domain.Battle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+battleSelectCols+` FROM battles WHERE status = ANY($1) ORDER BY created_at`,
		activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active battles: %w", err)
	}
	defer rows.Close()

	var battles []domain.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active battle: %w", err)
		}
		battles = append(battles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active battles rows: %w", err)
	}
	return battles, nil
}

func scanBattle(scanner interface{ Scan(dest ...any) error }) (domain.Battle, error) {
	var b domain.Battle
	var status, outcome string
	var opponentID, winnerID *string

	err := scanner.Scan(
		&b.ID, &status, &b.CreatorID, &opponentID, &b.StakeType, &b.StakeAmount,
		&b.CountdownStartAt, &b.FlashAt, &b.WindowCloseAt,
		&b.CreatorReactionMs, &b.OpponentReactionMs, &winnerID, &b.Tie, &outcome, &b.ErrorReason,
		&b.CreatedAt, &b.ResolvedAt,
	)
	if err != nil {
		return domain.Battle{}, err
	}
	b.Status = domain.BattleStatus(status)
	b.Outcome = domain.Outcome(outcome)
	if opponentID != nil {
		b.OpponentID = *opponentID
	}
	if winnerID != nil {
		b.WinnerID = *winnerID
	}
	return b, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.BattleStore = (*BattleStore)(nil)
