package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/duelengine/internal/config"
	"github.com/alanyoungcy/duelengine/internal/domain"
	"github.com/alanyoungcy/duelengine/internal/notify"
	"github.com/alanyoungcy/duelengine/internal/server/handler"
	"github.com/alanyoungcy/duelengine/internal/service"
)

// Dependencies bundles the storage and coordination backends the services
// run on. Wire fills it for the configured mode.
type Dependencies struct {
	// Stores
	Battles   domain.BattleStore
	Reactions domain.ReactionStore
	Ledger    domain.Ledger
	Audit     domain.AuditStore
	Agents    domain.AgentPool

	// Coordination
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Optional
	Archiver domain.BattleArchiver
	Notifier *notify.Notifier

	// Checks backs /api/health.
	Checks map[string]handler.Check
}

// Wire constructs the backends for cfg.Mode and returns them together with
// a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	var err error
	switch strings.ToLower(cfg.Mode) {
	case "standalone":
		wireStandalone(cfg, deps)
	case "full":
		err = wireFull(ctx, cfg, deps, &closers)
	default:
		err = fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	deps.Notifier = notify.NewNotifier(senders(cfg.Notify), cfg.Notify.Events, logger)
	return deps, cleanup, nil
}

func senders(cfg config.NotifyConfig) []notify.Sender {
	var out []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		out = append(out, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		out = append(out, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return out
}

// services is the running service graph.
type services struct {
	audit      *service.AuditService
	sched      *service.Scheduler
	settle     *service.Settlement
	timing     *service.TimingService
	battles    *service.BattleService
	resolution *service.ResolutionService
	match      *service.MatchService
	escrow     *service.EscrowService
	bc         *service.Broadcaster
}

func (s *services) stop() {
	s.sched.Stop()
	s.settle.Wait()
}

func buildServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *services {
	now := domain.Clock(domain.SystemClock)
	logger = logger.With(slog.String("component", "service"))

	audit := service.NewAuditService(deps.Audit, now, logger).
		WithWriteTimeout(cfg.Audit.WriteTimeout.Duration)
	sched := service.NewScheduler(now, logger)
	bc := service.NewBroadcaster(deps.SignalBus, now, logger)

	retry := service.DefaultRetryPolicy
	if cfg.Battle.LedgerRetries > 0 {
		retry.MaxTries = uint(cfg.Battle.LedgerRetries)
	}
	escrow := service.NewEscrowService(deps.Ledger, audit, retry, logger)

	settle := service.NewSettlement(deps.Battles, escrow, sched, bc, audit, now, logger)
	if deps.Archiver != nil {
		settle.WithArchiver(deps.Archiver)
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		settle.WithNotifier(deps.Notifier)
	}

	timing := service.NewTimingService(deps.Battles, sched, deps.Locks, bc, audit, settle, service.TimingConfig{
		BaseDelay:       cfg.Battle.BaseDelay.Duration,
		JitterMin:       cfg.Battle.JitterMin.Duration,
		JitterMax:       cfg.Battle.JitterMax.Duration,
		ReactionTimeout: cfg.Battle.ReactionTimeout.Duration,
		PendingTTL:      cfg.Battle.PendingTTL.Duration,
		TimerLease:      cfg.Battle.TimerLease.Duration,
	}, now, logger)

	resolution := service.NewResolutionService(deps.Battles, deps.Reactions, timing, settle, bc, audit,
		cfg.Battle.SettleWindow.Duration, now, logger)
	timing.WithExpirer(resolution)

	battles := service.NewBattleService(deps.Battles, deps.Reactions, deps.Audit, escrow, timing, settle,
		deps.Locks, bc, audit, now, logger)
	match := service.NewMatchService(deps.Agents, cfg.Matchmaking.PresenceTTL.Duration, now, logger)

	return &services{
		audit:      audit,
		sched:      sched,
		settle:     settle,
		timing:     timing,
		battles:    battles,
		resolution: resolution,
		match:      match,
		escrow:     escrow,
		bc:         bc,
	}
}
