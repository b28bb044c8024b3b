package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// Scheduler runs at most one deferred action per battle. Scheduling a new
// action for a battle replaces the previous one.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*scheduled
	seq    uint64
	now    domain.Clock
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

type scheduled struct {
	id    uint64
	at    time.Time
	timer *time.Timer
}

// NewScheduler creates a Scheduler. Actions receive a context that is
// cancelled by Stop.
func NewScheduler(now domain.Clock, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timers: make(map[string]*scheduled),
		now:    now,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// ScheduleOnce arranges for fn to run at at. A time in the past runs fn
// immediately on its own goroutine.
func (s *Scheduler) ScheduleOnce(battleID string, at time.Time, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if prev, ok := s.timers[battleID]; ok {
		prev.timer.Stop()
	}

	s.seq++
	entry := &scheduled{id: s.seq, at: at}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if cur, ok := s.timers[battleID]; !ok || cur.id != entry.id {
			s.mu.Unlock()
			return
		}
		delete(s.timers, battleID)
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduler: action panicked",
					slog.String("battle_id", battleID),
					slog.Any("panic", r),
				)
			}
		}()
		fn(s.ctx)
	})
	s.timers[battleID] = entry
}

// Cancel drops the pending action for a battle, if any.
func (s *Scheduler) Cancel(battleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[battleID]; ok {
		prev.timer.Stop()
		delete(s.timers, battleID)
	}
}

// ScheduledAt reports when the battle's pending action is due.
func (s *Scheduler) ScheduledAt(battleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[battleID]
	if !ok {
		return time.Time{}, false
	}
	return entry.at, true
}

// Len returns the number of pending actions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending action and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
