package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// leasePoll is how often the no-show timer retries a battle lease held by
// an in-flight accept or cancel.
const leasePoll = 25 * time.Millisecond

// TimingConfig holds the countdown and window parameters.
type TimingConfig struct {
	BaseDelay       time.Duration
	JitterMin       time.Duration
	JitterMax       time.Duration
	ReactionTimeout time.Duration
	PendingTTL      time.Duration
	TimerLease      time.Duration
}

// DefaultTimingConfig returns the production timing parameters.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		BaseDelay:       3 * time.Second,
		JitterMin:       1500 * time.Millisecond,
		JitterMax:       4 * time.Second,
		ReactionTimeout: 3 * time.Second,
		PendingTTL:      5 * time.Minute,
		TimerLease:      5 * time.Second,
	}
}

// Expirer closes a battle whose reaction window has elapsed.
type Expirer interface {
	Expire(ctx context.Context, battleID string) (domain.Battle, error)
}

// TimingService is the only component that decides when a battle's flash
// fires. It drives accepted → countdown → awaiting_reaction and arms the
// expiry and no-show timers.
type TimingService struct {
	battles domain.BattleStore
	sched   *Scheduler
	locks   domain.LockManager
	bc      *Broadcaster
	audit   *AuditService
	settle  *Settlement
	expirer Expirer
	cfg     TimingConfig
	jitter  func() time.Duration
	now     domain.Clock
	logger  *slog.Logger
}

// NewTimingService creates a TimingService. Call WithExpirer before any
// battle reaches awaiting_reaction.
func NewTimingService(
	battles domain.BattleStore,
	sched *Scheduler,
	locks domain.LockManager,
	bc *Broadcaster,
	audit *AuditService,
	settle *Settlement,
	cfg TimingConfig,
	now domain.Clock,
	logger *slog.Logger,
) *TimingService {
	t := &TimingService{
		battles: battles,
		sched:   sched,
		locks:   locks,
		bc:      bc,
		audit:   audit,
		settle:  settle,
		cfg:     cfg,
		now:     now,
		logger:  logger,
	}
	t.jitter = t.randomJitter
	return t
}

// WithExpirer sets the component that closes elapsed reaction windows.
func (t *TimingService) WithExpirer(e Expirer) *TimingService {
	t.expirer = e
	return t
}

// WithJitter replaces the jitter source.
func (t *TimingService) WithJitter(fn func() time.Duration) *TimingService {
	t.jitter = fn
	return t
}

// randomJitter draws uniformly from [JitterMin, JitterMax].
func (t *TimingService) randomJitter() time.Duration {
	span := t.cfg.JitterMax - t.cfg.JitterMin
	if span <= 0 {
		return t.cfg.JitterMin
	}
	return t.cfg.JitterMin + rand.N(span+1)
}

// SchedulePendingExpiry arms the no-show timer for a pending battle.
func (t *TimingService) SchedulePendingExpiry(b domain.Battle) {
	if t.cfg.PendingTTL <= 0 {
		return
	}
	t.sched.ScheduleOnce(b.ID, b.CreatedAt.Add(t.cfg.PendingTTL), func(ctx context.Context) {
		t.runLeased(ctx, b.ID, t.expirePending)
	})
}

// StartCountdown moves an accepted battle into countdown, fixes its flash
// instant and schedules the flash.
func (t *TimingService) StartCountdown(ctx context.Context, b domain.Battle) (domain.Battle, error) {
	if b.Status != domain.BattleStatusAccepted {
		return b, fmt.Errorf("timing: start countdown from %s: %w", b.Status, domain.ErrInvalidStateTransition)
	}

	start := t.now()
	jitter := t.jitter()
	flash := start.Add(t.cfg.BaseDelay + jitter)
	closeAt := flash.Add(t.cfg.ReactionTimeout)

	next := b
	next.Status = domain.BattleStatusCountdown
	next.CountdownStartAt = &start
	next.FlashAt = &flash
	next.WindowCloseAt = &closeAt

	ok, err := t.battles.CompareAndSwap(ctx, domain.BattleStatusAccepted, next)
	if err != nil {
		return b, fmt.Errorf("timing: start countdown %s: %w", b.ID, err)
	}
	if !ok {
		cur, getErr := t.battles.Get(ctx, b.ID)
		if getErr != nil {
			return b, fmt.Errorf("timing: reload %s: %w", b.ID, getErr)
		}
		return cur, fmt.Errorf("timing: battle %s is %s: %w", b.ID, cur.Status, domain.ErrInvalidStateTransition)
	}

	t.logger.InfoContext(ctx, "timing: countdown started",
		slog.String("battle_id", b.ID),
		slog.Time("flash_at", flash),
		slog.Duration("jitter", jitter),
	)
	t.audit.Record(ctx, b.ID, domain.AuditCountdownStarted, domain.ActorSystem, map[string]any{
		"countdown_start_at": start,
		"flash_at":           flash,
		"window_close_at":    closeAt,
		"jitter_ms":          jitter.Milliseconds(),
	})
	t.bc.State(ctx, next)
	t.scheduleFlash(next)
	return next, nil
}

// FireFlash opens the reaction window of a battle in countdown. It is a
// no-op for a battle in any other status.
func (t *TimingService) FireFlash(ctx context.Context, battleID string) (domain.Battle, error) {
	b, err := t.battles.Get(ctx, battleID)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("timing: fire flash %s: %w", battleID, err)
	}
	if b.Status != domain.BattleStatusCountdown {
		return b, nil
	}

	next := b
	next.Status = domain.BattleStatusAwaitingReaction
	ok, err := t.battles.CompareAndSwap(ctx, domain.BattleStatusCountdown, next)
	if err != nil {
		return b, fmt.Errorf("timing: fire flash %s: %w", battleID, err)
	}
	if !ok {
		return t.battles.Get(ctx, battleID)
	}

	t.audit.Record(ctx, battleID, domain.AuditFlashFired, domain.ActorSystem, map[string]any{
		"flash_at":  *next.FlashAt,
		"fired_at":  t.now(),
		"window_ms": t.cfg.ReactionTimeout.Milliseconds(),
	})
	t.bc.State(ctx, next)
	t.scheduleExpiry(next)
	return next, nil
}

// Recover re-arms timers for every non-terminal battle, then finishes any
// settlement a previous process left half done. Overdue actions run
// immediately. It returns the number of non-terminal battles.
func (t *TimingService) Recover(ctx context.Context) (int, error) {
	active, err := t.battles.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("timing: recover: %w", err)
	}

	for _, b := range active {
		switch b.Status {
		case domain.BattleStatusPending:
			t.SchedulePendingExpiry(b)
		case domain.BattleStatusAccepted:
			if _, err := t.StartCountdown(ctx, b); err != nil {
				t.logger.WarnContext(ctx, "timing: recover countdown failed",
					slog.String("battle_id", b.ID),
					slog.String("error", err.Error()),
				)
			}
		case domain.BattleStatusCountdown:
			t.scheduleFlash(b)
		case domain.BattleStatusAwaitingReaction:
			t.scheduleExpiry(b)
		}
	}

	settled, err := t.settle.Resume(ctx)
	if err != nil {
		t.logger.WarnContext(ctx, "timing: resume settlements failed", slog.String("error", err.Error()))
	}

	t.logger.InfoContext(ctx, "timing: timers recovered",
		slog.Int("battles", len(active)),
		slog.Int("settled", settled),
	)
	return len(active), nil
}

func (t *TimingService) scheduleFlash(b domain.Battle) {
	if b.FlashAt == nil {
		return
	}
	t.sched.ScheduleOnce(b.ID, *b.FlashAt, func(ctx context.Context) {
		t.runLeased(ctx, b.ID, func(ctx context.Context, id string) error {
			_, err := t.FireFlash(ctx, id)
			return err
		})
	})
}

func (t *TimingService) scheduleExpiry(b domain.Battle) {
	if b.WindowCloseAt == nil || t.expirer == nil {
		return
	}
	t.sched.ScheduleOnce(b.ID, *b.WindowCloseAt, func(ctx context.Context) {
		t.runLeased(ctx, b.ID, func(ctx context.Context, id string) error {
			_, err := t.expirer.Expire(ctx, id)
			return err
		})
	})
}

// expirePending cancels a battle nobody accepted. It runs under the same
// battle lease as accept and cancel, so it never releases stakes that an
// accept saga is still placing.
func (t *TimingService) expirePending(ctx context.Context, battleID string) error {
	unlock, err := t.awaitBattleLease(ctx, battleID)
	if err != nil {
		return fmt.Errorf("timing: expire pending %s: %w", battleID, err)
	}
	defer unlock()

	b, err := t.battles.Get(ctx, battleID)
	if err != nil {
		return err
	}
	if b.Status != domain.BattleStatusPending {
		return nil
	}

	now := t.now()
	next := b
	next.Status = domain.BattleStatusCancelled
	next.Outcome = domain.OutcomeNoShow
	next.ResolvedAt = &now

	ok, err := t.battles.CompareAndSwap(ctx, domain.BattleStatusPending, next)
	if err != nil || !ok {
		return err
	}
	t.logger.InfoContext(ctx, "timing: pending battle expired", slog.String("battle_id", battleID))
	t.settle.Finalize(ctx, next, domain.ActorSystem)
	return nil
}

// awaitBattleLease takes the battle's saga lease, polling for up to one
// timer lease while another holder finishes.
func (t *TimingService) awaitBattleLease(ctx context.Context, battleID string) (func(), error) {
	return backoff.Retry(ctx, func() (func(), error) {
		unlock, err := t.locks.Acquire(ctx, battleLeaseKey(battleID), t.cfg.TimerLease)
		if err != nil && !errors.Is(err, domain.ErrLockHeld) {
			return nil, backoff.Permanent(err)
		}
		return unlock, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(leasePoll)),
		backoff.WithMaxElapsedTime(t.cfg.TimerLease),
	)
}

// runLeased runs fn while holding the battle's timer lease, so that only one
// process fires a given timer. A lease held elsewhere means another process
// is already on it.
func (t *TimingService) runLeased(ctx context.Context, battleID string, fn func(context.Context, string) error) {
	unlock, err := t.locks.Acquire(ctx, "battle-timer:"+battleID, t.cfg.TimerLease)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			t.logger.DebugContext(ctx, "timing: timer lease held elsewhere", slog.String("battle_id", battleID))
			return
		}
		t.logger.WarnContext(ctx, "timing: timer lease failed, firing anyway",
			slog.String("battle_id", battleID),
			slog.String("error", err.Error()),
		)
		unlock = func() {}
	}
	defer unlock()

	if err := fn(ctx, battleID); err != nil {
		t.logger.ErrorContext(ctx, "timing: timer action failed",
			slog.String("battle_id", battleID),
			slog.String("error", err.Error()),
		)
	}
}
