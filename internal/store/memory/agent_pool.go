package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// AgentPool implements domain.AgentPool on top of a BattleStore.
type AgentPool struct {
	mu      sync.RWMutex
	battles domain.BattleStore
	seen    map[string]time.Time
	blocked map[string]bool
}

// NewAgentPool creates an AgentPool that consults battles for busy agents.
func NewAgentPool(battles domain.BattleStore) *AgentPool {
	return &AgentPool{
		battles: battles,
		seen:    make(map[string]time.Time),
		blocked: make(map[string]bool),
	}
}

func (p *AgentPool) Touch(_ context.Context, agentID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.After(p.seen[agentID]) {
		p.seen[agentID] = at
	}
	return nil
}

func (p *AgentPool) Block(_ context.Context, blockerID, blockedID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[blockerID+"->"+blockedID] = true
	return nil
}

func (p *AgentPool) ListEligible(ctx context.Context, requesterID string, seenSince time.Time) ([]string, error) {
	p.mu.RLock()
	var candidates []string
	for id, at := range p.seen {
		if id == requesterID || at.Before(seenSince) {
			continue
		}
		if p.blocked[requesterID+"->"+id] || p.blocked[id+"->"+requesterID] {
			continue
		}
		candidates = append(candidates, id)
	}
	p.mu.RUnlock()

	out := candidates[:0]
	for _, id := range candidates {
		busy, err := p.battles.HasActive(ctx, id)
		if err != nil {
			return nil, err
		}
		if !busy {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

var _ domain.AgentPool = (*AgentPool)(nil)
