package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// MatchService picks opponents from the pool of recently seen agents. It
// does no ranking.
type MatchService struct {
	pool        domain.AgentPool
	presenceTTL time.Duration
	pick        func(n int) int
	now         domain.Clock
	logger      *slog.Logger
}

// NewMatchService creates a MatchService. Agents not seen within
// presenceTTL are not eligible.
func NewMatchService(pool domain.AgentPool, presenceTTL time.Duration, now domain.Clock, logger *slog.Logger) *MatchService {
	return &MatchService{
		pool:        pool,
		presenceTTL: presenceTTL,
		pick:        rand.IntN,
		now:         now,
		logger:      logger,
	}
}

// RandomOpponent returns one eligible opponent for requesterID.
func (m *MatchService) RandomOpponent(ctx context.Context, requesterID string) (string, error) {
	candidates, err := m.pool.ListEligible(ctx, requesterID, m.now().Add(-m.presenceTTL))
	if err != nil {
		return "", fmt.Errorf("match_service: list eligible: %w", err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("match_service: for %s: %w", requesterID, domain.ErrNoOpponentFound)
	}
	chosen := candidates[m.pick(len(candidates))]
	m.logger.DebugContext(ctx, "match_service: opponent chosen",
		slog.String("requester_id", requesterID),
		slog.String("opponent_id", chosen),
		slog.Int("candidates", len(candidates)),
	)
	return chosen, nil
}

// Seen records that the agent is online.
func (m *MatchService) Seen(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("match_service: agent id required: %w", domain.ErrInvalidBattle)
	}
	return m.pool.Touch(ctx, agentID, m.now())
}

// Block stops blocker and blocked from ever being paired.
func (m *MatchService) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == "" || blockedID == "" || blockerID == blockedID {
		return fmt.Errorf("match_service: block %q -> %q: %w", blockerID, blockedID, domain.ErrForbidden)
	}
	return m.pool.Block(ctx, blockerID, blockedID)
}
