package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// NotifyBattleErrored is the notifier event type for errored battles.
const NotifyBattleErrored = "battle_errored"

// Settlement finalizes a battle once a CAS has made it terminal: it stops
// the battle's timer, moves the stakes, records the outcome and broadcasts
// it. A ledger failure at this point moves the battle to errored.
type Settlement struct {
	battles  domain.BattleStore
	escrow   *EscrowService
	sched    *Scheduler
	bc       *Broadcaster
	audit    *AuditService
	archiver domain.BattleArchiver
	notifier Notifier
	now      domain.Clock
	logger   *slog.Logger

	archiveTimeout time.Duration
	archiving      sync.WaitGroup
}

// NewSettlement creates a Settlement.
func NewSettlement(
	battles domain.BattleStore,
	escrow *EscrowService,
	sched *Scheduler,
	bc *Broadcaster,
	audit *AuditService,
	now domain.Clock,
	logger *slog.Logger,
) *Settlement {
	return &Settlement{
		battles:        battles,
		escrow:         escrow,
		sched:          sched,
		bc:             bc,
		audit:          audit,
		now:            now,
		logger:         logger,
		archiveTimeout: 30 * time.Second,
	}
}

// WithArchiver uploads each finalized battle's audit trail.
func (s *Settlement) WithArchiver(a domain.BattleArchiver) *Settlement {
	s.archiver = a
	return s
}

// WithNotifier alerts operators when a battle errors.
func (s *Settlement) WithNotifier(n Notifier) *Settlement {
	s.notifier = n
	return s
}

// Finalize settles b, which the caller has just committed to a terminal
// status. It returns the battle as it stands afterwards.
func (s *Settlement) Finalize(ctx context.Context, b domain.Battle, actor string) domain.Battle {
	s.sched.Cancel(b.ID)
	s.audit.Record(ctx, b.ID, terminalAuditEvent(b.Status), actor, outcomePayload(b))

	if err := s.moveStakes(ctx, b); err != nil {
		return s.Fail(ctx, b, fmt.Errorf("settle %s: %w", b.Outcome, err))
	}

	s.logger.InfoContext(ctx, "settlement: battle finalized",
		slog.String("battle_id", b.ID),
		slog.String("status", string(b.Status)),
		slog.String("outcome", string(b.Outcome)),
		slog.String("winner_id", b.WinnerID),
	)
	s.bc.State(ctx, b)
	s.archive(ctx, b)
	return b
}

// Resume finishes the stake moves of battles that reached a terminal status
// other than errored but still hold stakes, as left by a process that stopped between
// the terminal CAS and the ledger calls. Errored battles keep their holds
// for manual reconciliation. It returns the number of battles settled.
func (s *Settlement) Resume(ctx context.Context) (int, error) {
	ids, err := s.escrow.HeldBattles(ctx)
	if err != nil {
		return 0, fmt.Errorf("settlement: resume: %w", err)
	}

	var settled int
	for _, id := range ids {
		b, err := s.battles.Get(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "settlement: resume lookup failed",
				slog.String("battle_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !b.Status.IsTerminal() || b.Status == domain.BattleStatusErrored {
			continue
		}
		if err := s.moveStakes(ctx, b); err != nil {
			s.Fail(ctx, b, fmt.Errorf("resume %s: %w", b.Outcome, err))
			continue
		}
		s.logger.InfoContext(ctx, "settlement: interrupted settlement resumed",
			slog.String("battle_id", b.ID),
			slog.String("status", string(b.Status)),
			slog.String("winner_id", b.WinnerID),
		)
		s.archive(ctx, b)
		settled++
	}
	return settled, nil
}

func (s *Settlement) moveStakes(ctx context.Context, b domain.Battle) error {
	if b.Status == domain.BattleStatusResolved && b.WinnerID != "" {
		return s.escrow.Payout(ctx, b)
	}
	return s.escrow.ReleaseAll(ctx, b)
}

// Fail moves b to errored for manual reconciliation. Stakes are left where
// they are.
func (s *Settlement) Fail(ctx context.Context, b domain.Battle, cause error) domain.Battle {
	s.sched.Cancel(b.ID)

	next := b
	next.Status = domain.BattleStatusErrored
	next.ErrorReason = cause.Error()
	if next.Outcome == "" {
		next.Outcome = domain.OutcomeLedgerError
	}
	if next.ResolvedAt == nil {
		t := s.now()
		next.ResolvedAt = &t
	}

	ok, err := s.battles.CompareAndSwap(ctx, b.Status, next)
	if err != nil || !ok {
		s.logger.ErrorContext(ctx, "settlement: could not mark battle errored",
			slog.String("battle_id", b.ID),
			slog.String("from", string(b.Status)),
			slog.Bool("swapped", ok),
			slog.Any("error", err),
		)
		if cur, getErr := s.battles.Get(ctx, b.ID); getErr == nil {
			return cur
		}
		return next
	}

	s.logger.ErrorContext(ctx, "settlement: battle errored",
		slog.String("battle_id", b.ID),
		slog.String("from", string(b.Status)),
		slog.String("reason", next.ErrorReason),
	)
	s.audit.Record(ctx, b.ID, domain.AuditBattleErrored, domain.ActorSystem, map[string]any{
		"from":   string(b.Status),
		"reason": next.ErrorReason,
	})
	s.bc.State(ctx, next)
	s.alert(ctx, next)
	s.archive(ctx, next)
	return next
}

// Wait blocks until in-flight archive uploads finish.
func (s *Settlement) Wait() {
	s.archiving.Wait()
}

func (s *Settlement) alert(ctx context.Context, b domain.Battle) {
	if s.notifier == nil {
		return
	}
	title := "Battle errored: " + b.ID
	msg := fmt.Sprintf("Battle %s (%s vs %s, %d %s) needs manual reconciliation: %s",
		b.ID, b.CreatorID, b.OpponentID, b.StakeAmount, b.StakeType, b.ErrorReason)
	if err := s.notifier.Notify(ctx, NotifyBattleErrored, title, msg); err != nil {
		s.logger.WarnContext(ctx, "settlement: operator alert failed",
			slog.String("battle_id", b.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Settlement) archive(ctx context.Context, b domain.Battle) {
	if s.archiver == nil {
		return
	}
	s.archiving.Add(1)
	go func() {
		defer s.archiving.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.archiveTimeout)
		defer cancel()
		key, err := s.archiver.ArchiveBattle(actx, b)
		if err != nil {
			s.logger.WarnContext(actx, "settlement: archive failed",
				slog.String("battle_id", b.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.DebugContext(actx, "settlement: battle archived",
			slog.String("battle_id", b.ID),
			slog.String("key", key),
		)
	}()
}

func terminalAuditEvent(status domain.BattleStatus) string {
	switch status {
	case domain.BattleStatusResolved:
		return domain.AuditBattleResolved
	case domain.BattleStatusExpired:
		return domain.AuditBattleExpired
	case domain.BattleStatusCancelled:
		return domain.AuditBattleCancelled
	default:
		return domain.AuditBattleErrored
	}
}

func outcomePayload(b domain.Battle) map[string]any {
	p := map[string]any{
		"status":  string(b.Status),
		"outcome": string(b.Outcome),
		"tie":     b.Tie,
	}
	if b.WinnerID != "" {
		p["winner_id"] = b.WinnerID
	}
	if b.CreatorReactionMs != nil {
		p["creator_reaction_ms"] = *b.CreatorReactionMs
	}
	if b.OpponentReactionMs != nil {
		p["opponent_reaction_ms"] = *b.OpponentReactionMs
	}
	return p
}
