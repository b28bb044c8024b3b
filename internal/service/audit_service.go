package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// AuditService writes audit entries without ever failing the caller. A
// write that fails is queued and retried by Run until it lands.
type AuditService struct {
	store  domain.AuditStore
	now    domain.Clock
	logger *slog.Logger

	writeTimeout time.Duration

	mu      sync.Mutex
	pending []domain.AuditEntry
	wake    chan struct{}
}

// NewAuditService creates an AuditService.
func NewAuditService(store domain.AuditStore, now domain.Clock, logger *slog.Logger) *AuditService {
	return &AuditService{
		store:        store,
		now:          now,
		logger:       logger,
		writeTimeout: 2 * time.Second,
		wake:         make(chan struct{}, 1),
	}
}

// WithWriteTimeout bounds each synchronous store write.
func (a *AuditService) WithWriteTimeout(d time.Duration) *AuditService {
	if d > 0 {
		a.writeTimeout = d
	}
	return a
}

// Record appends an entry for battleID.
func (a *AuditService) Record(ctx context.Context, battleID, event, actor string, payload map[string]any) {
	entry := domain.AuditEntry{
		BattleID:  battleID,
		Event:     event,
		Actor:     actor,
		Payload:   payload,
		CreatedAt: a.now(),
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTimeout)
	err := a.store.Append(wctx, entry)
	cancel()
	if err == nil {
		return
	}

	a.logger.WarnContext(ctx, "audit: write failed, queued for retry",
		slog.String("battle_id", battleID),
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
	a.mu.Lock()
	a.pending = append(a.pending, entry)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of entries waiting for retry.
func (a *AuditService) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run drains the retry queue until ctx is cancelled.
func (a *AuditService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := a.Pending(); n > 0 {
				a.logger.Warn("audit: shutting down with unwritten entries", slog.Int("count", n))
			}
			return nil
		case <-a.wake:
		}
		a.drain(ctx)
	}
}

func (a *AuditService) drain(ctx context.Context) {
	for {
		a.mu.Lock()
		if len(a.pending) == 0 {
			a.mu.Unlock()
			return
		}
		entry := a.pending[0]
		a.mu.Unlock()

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, a.store.Append(ctx, entry)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(time.Minute),
			backoff.WithNotify(func(err error, next time.Duration) {
				a.logger.DebugContext(ctx, "audit: retrying write",
					slog.String("battle_id", entry.BattleID),
					slog.Duration("next", next),
					slog.String("error", err.Error()),
				)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Leave it at the head; the next Record or tick tries again.
			a.logger.ErrorContext(ctx, "audit: entry still unwritten",
				slog.String("battle_id", entry.BattleID),
				slog.String("event", entry.Event),
				slog.String("error", err.Error()),
			)
			a.requeueLater(ctx)
			return
		}

		a.mu.Lock()
		a.pending = a.pending[1:]
		a.mu.Unlock()
	}
}

func (a *AuditService) requeueLater(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(30 * time.Second):
			select {
			case a.wake <- struct{}{}:
			default:
			}
		}
	}()
}
