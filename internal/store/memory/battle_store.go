// Package memory implements the domain store interfaces in process memory.
// It backs standalone mode and service tests; every conditional write is
// applied under the store's own mutex, mirroring the single-statement
// conditional UPDATE of the Postgres adapter.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// BattleStore implements domain.BattleStore.
type BattleStore struct {
	mu      sync.RWMutex
	battles map[string]domain.Battle
}

// NewBattleStore creates an empty BattleStore.
func NewBattleStore() *BattleStore {
	return &BattleStore{battles: make(map[string]domain.Battle)}
}

// Create rejects a battle whose creator or opponent is already in a
// non-terminal battle.
func (s *BattleStore) Create(_ context.Context, b domain.Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.battles[b.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if !b.Status.IsTerminal() {
		for _, cur := range s.battles {
			if cur.Status.IsTerminal() {
				continue
			}
			if cur.IsParticipant(b.CreatorID) || (b.OpponentID != "" && cur.IsParticipant(b.OpponentID)) {
				return domain.ErrAlreadyInBattle
			}
		}
	}
	s.battles[b.ID] = b
	return nil
}

func (s *BattleStore) Get(_ context.Context, id string) (domain.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.battles[id]
	if !ok {
		return domain.Battle{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *BattleStore) CompareAndSwap(_ context.Context, expected domain.BattleStatus, next domain.Battle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.battles[next.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	s.battles[next.ID] = next
	return true, nil
}

func (s *BattleStore) HasActive(_ context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.battles {
		if !b.Status.IsTerminal() && b.IsParticipant(agentID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *BattleStore) ListActive(_ context.Context) ([]domain.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Battle
	for _, b := range s.battles {
		if !b.Status.IsTerminal() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ domain.BattleStore = (*BattleStore)(nil)
