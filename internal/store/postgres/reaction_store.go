package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// ReactionStore implements domain.ReactionStore using PostgreSQL. The partial
// unique index on (battle_id, participant_id) decides which submission is
// the participant's scoring reaction.
type ReactionStore struct {
	pool *pgxpool.Pool
}

// NewReactionStore creates a new ReactionStore backed by the given pool.
func NewReactionStore(pool *pgxpool.Pool) *ReactionStore {
	return &ReactionStore{pool: pool}
}

const reactionSelectCols = `id, battle_id, participant_id, received_at, client_reported_at, latency_ms, validity`

// Record inserts ev as the participant's scoring reaction, or, when one
// already exists, appends ev as a duplicate and returns the original.
func (s *ReactionStore) Record(ctx context.Context, ev domain.ReactionEvent) (domain.ReactionEvent, bool, error) {
	const insertValid = `
		INSERT INTO reaction_events (battle_id, participant_id, received_at, client_reported_at, latency_ms, validity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (battle_id, participant_id) WHERE validity <> 'duplicate' DO NOTHING
		RETURNING id`

	var id int64
	rows, err := s.pool.Query(ctx, insertValid,
		ev.BattleID, ev.ParticipantID, ev.ReceivedAt, ev.ClientReportedAt, ev.LatencyMs, string(ev.Validity))
	if err != nil {
		return domain.ReactionEvent{}, false, fmt.Errorf("postgres: record reaction %s/%s: %w", ev.BattleID, ev.ParticipantID, err)
	}
	inserted := false
	for rows.Next() {
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.ReactionEvent{}, false, fmt.Errorf("postgres: scan reaction id: %w", err)
		}
		inserted = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.ReactionEvent{}, false, fmt.Errorf("postgres: record reaction rows: %w", err)
	}
	if inserted {
		ev.ID = id
		return ev, true, nil
	}

	const insertDup = `
		INSERT INTO reaction_events (battle_id, participant_id, received_at, client_reported_at, latency_ms, validity)
		VALUES ($1, $2, $3, $4, $5, 'duplicate')`
	if _, err := s.pool.Exec(ctx, insertDup,
		ev.BattleID, ev.ParticipantID, ev.ReceivedAt, ev.ClientReportedAt, ev.LatencyMs); err != nil {
		return domain.ReactionEvent{}, false, fmt.Errorf("postgres: record duplicate reaction: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+reactionSelectCols+` FROM reaction_events
		 WHERE battle_id = $1 AND participant_id = $2 AND validity <> 'duplicate'`,
		ev.BattleID, ev.ParticipantID)
	prev, err := scanReaction(row)
	if err != nil {
		return domain.ReactionEvent{}, false, fmt.Errorf("postgres: load original reaction: %w", err)
	}
	return prev, false, nil
}

// ListByBattle returns every reaction for a battle in insertion order.
func (s *ReactionStore) ListByBattle(ctx context.Context, battleID string) ([]domain.ReactionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reactionSelectCols+` FROM reaction_events WHERE battle_id = $1 ORDER BY id`, battleID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reactions %s: %w", battleID, err)
	}
	defer rows.Close()

	var out []domain.ReactionEvent
	for rows.Next() {
		ev, err := scanReaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan reaction: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanReaction(scanner interface{ Scan(dest ...any) error }) (domain.ReactionEvent, error) {
	var ev domain.ReactionEvent
	var validity string
	if err := scanner.Scan(&ev.ID, &ev.BattleID, &ev.ParticipantID, &ev.ReceivedAt,
		&ev.ClientReportedAt, &ev.LatencyMs, &validity); err != nil {
		return domain.ReactionEvent{}, err
	}
	ev.Validity = domain.ReactionValidity(validity)
	return ev, nil
}

var _ domain.ReactionStore = (*ReactionStore)(nil)
