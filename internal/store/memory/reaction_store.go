package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// ReactionStore implements domain.ReactionStore.
type ReactionStore struct {
	mu     sync.Mutex
	nextID int64
	events map[string][]domain.ReactionEvent
}

// NewReactionStore creates an empty ReactionStore.
func NewReactionStore() *ReactionStore {
	return &ReactionStore{events: make(map[string][]domain.ReactionEvent)}
}

func (s *ReactionStore) Record(_ context.Context, ev domain.ReactionEvent) (domain.ReactionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prev := range s.events[ev.BattleID] {
		if prev.ParticipantID == ev.ParticipantID && prev.Validity != domain.ReactionDuplicate {
			dup := ev
			dup.Validity = domain.ReactionDuplicate
			s.append(dup)
			return prev, false, nil
		}
	}
	return s.append(ev), true, nil
}

func (s *ReactionStore) append(ev domain.ReactionEvent) domain.ReactionEvent {
	s.nextID++
	ev.ID = s.nextID
	s.events[ev.BattleID] = append(s.events[ev.BattleID], ev)
	return ev
}

func (s *ReactionStore) ListByBattle(_ context.Context, battleID string) ([]domain.ReactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReactionEvent, len(s.events[battleID]))
	copy(out, s.events[battleID])
	return out, nil
}

var _ domain.ReactionStore = (*ReactionStore)(nil)
