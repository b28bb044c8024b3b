package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
	"github.com/google/uuid"
)

type lease struct {
	token   string
	expires time.Time
}

// LockManager implements domain.LockManager with TTL leases.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lease
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lease)}
}

func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	now := time.Now()
	token := uuid.New().String()

	lm.mu.Lock()
	if cur, ok := lm.locks[key]; ok && now.Before(cur.expires) {
		lm.mu.Unlock()
		return nil, domain.ErrLockHeld
	}
	lm.locks[key] = lease{token: token, expires: now.Add(ttl)}
	lm.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if cur, ok := lm.locks[key]; ok && cur.token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
