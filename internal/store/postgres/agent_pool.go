package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// AgentPool implements domain.AgentPool using PostgreSQL.
type AgentPool struct {
	pool *pgxpool.Pool
}

// NewAgentPool creates a new AgentPool backed by the given pool.
func NewAgentPool(pool *pgxpool.Pool) *AgentPool {
	return &AgentPool{pool: pool}
}

// Touch records agent presence.
func (p *AgentPool) Touch(ctx context.Context, agentID string, at time.Time) error {
	const query = `
		INSERT INTO agents (id, last_seen_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_seen_at = GREATEST(agents.last_seen_at, EXCLUDED.last_seen_at)`
	if _, err := p.pool.Exec(ctx, query, agentID, at); err != nil {
		return fmt.Errorf("postgres: touch agent %s: %w", agentID, err)
	}
	return nil
}

// Block records that blocker never wants to be paired with blocked.
func (p *AgentPool) Block(ctx context.Context, blockerID, blockedID string) error {
	const query = `INSERT INTO agent_blocks (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := p.pool.Exec(ctx, query, blockerID, blockedID); err != nil {
		return fmt.Errorf("postgres: block %s->%s: %w", blockerID, blockedID, err)
	}
	return nil
}

// ListEligible returns recently seen agents that are free to battle the
// requester.
func (p *AgentPool) ListEligible(ctx context.Context, requesterID string, seenSince time.Time) ([]string, error) {
	const query = `
		SELECT a.id FROM agents a
		WHERE a.id <> $1
		  AND a.last_seen_at >= $2
		  AND NOT EXISTS (
			SELECT 1 FROM battles b
			WHERE (b.creator_id = a.id OR b.opponent_id = a.id) AND b.status = ANY($3)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM agent_blocks k
			WHERE (k.blocker_id = $1 AND k.blocked_id = a.id)
			   OR (k.blocker_id = a.id AND k.blocked_id = $1)
		  )
		ORDER BY a.id`

	rows, err := p.pool.Query(ctx, query, requesterID, seenSince, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("postgres: list eligible for %s: %w", requesterID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ domain.AgentPool = (*AgentPool)(nil)
