package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// maxResolveAttempts bounds the reload-and-retry loop around the terminal
// CAS. Each failed swap means the battle moved, which can happen at most a
// couple of times before it is terminal.
const maxResolveAttempts = 4

// ResolutionService scores reactions and performs the single terminal
// transition of a battle.
type ResolutionService struct {
	battles      domain.BattleStore
	reactions    domain.ReactionStore
	timing       *TimingService
	settle       *Settlement
	bc           *Broadcaster
	audit        *AuditService
	settleWindow time.Duration
	now          domain.Clock
	logger       *slog.Logger
}

// NewResolutionService creates a ResolutionService. settleWindow is how
// long a submission waits for reactions received slightly earlier on other
// connections before it decides the battle.
func NewResolutionService(
	battles domain.BattleStore,
	reactions domain.ReactionStore,
	timing *TimingService,
	settle *Settlement,
	bc *Broadcaster,
	audit *AuditService,
	settleWindow time.Duration,
	now domain.Clock,
	logger *slog.Logger,
) *ResolutionService {
	return &ResolutionService{
		battles:      battles,
		reactions:    reactions,
		timing:       timing,
		settle:       settle,
		bc:           bc,
		audit:        audit,
		settleWindow: settleWindow,
		now:          now,
		logger:       logger,
	}
}

// SubmitReaction scores a participant's reaction received at receivedAt.
// The client's own timestamp is stored for diagnostics and never scored.
//
// A caller that lost the battle gets a *domain.ResolvedError carrying the
// final battle; a false start returns domain.ErrFalseStart alongside the
// result.
func (r *ResolutionService) SubmitReaction(
	ctx context.Context,
	battleID, participantID string,
	receivedAt time.Time,
	clientReportedAt *time.Time,
) (domain.ReactionResult, error) {
	b, err := r.battles.Get(ctx, battleID)
	if err != nil {
		return domain.ReactionResult{}, fmt.Errorf("resolution: get %s: %w", battleID, err)
	}
	if !b.IsParticipant(participantID) {
		return domain.ReactionResult{}, fmt.Errorf("resolution: %s in %s: %w", participantID, battleID, domain.ErrNotParticipant)
	}
	switch {
	case b.Status == domain.BattleStatusErrored:
		return domain.ReactionResult{Status: b.Status, Battle: b},
			fmt.Errorf("resolution: battle %s: %w", battleID, domain.ErrErrored)
	case b.FlashAt == nil:
		return domain.ReactionResult{Status: b.Status, Battle: b},
			fmt.Errorf("resolution: battle %s is %s: %w", battleID, b.Status, domain.ErrInvalidStateTransition)
	}

	flash := *b.FlashAt
	latency := receivedAt.Sub(flash).Milliseconds()
	validity := domain.ReactionOnTime
	if receivedAt.Before(flash) {
		validity = domain.ReactionFalseStart
	}

	if validity == domain.ReactionOnTime && b.WindowCloseAt != nil && receivedAt.After(*b.WindowCloseAt) {
		return r.late(ctx, b, participantID, receivedAt, latency)
	}

	stored, fresh, err := r.reactions.Record(ctx, domain.ReactionEvent{
		BattleID:         battleID,
		ParticipantID:    participantID,
		ReceivedAt:       receivedAt,
		ClientReportedAt: clientReportedAt,
		LatencyMs:        latency,
		Validity:         validity,
	})
	if err != nil {
		return domain.ReactionResult{}, fmt.Errorf("resolution: record reaction: %w", err)
	}

	if !fresh {
		r.audit.Record(ctx, battleID, domain.AuditReaction, participantID, map[string]any{
			"validity":    string(domain.ReactionDuplicate),
			"received_at": receivedAt,
			"latency_ms":  latency,
		})
		cur, err := r.battles.Get(ctx, battleID)
		if err != nil {
			cur = b
		}
		prev := stored.LatencyMs
		return domain.ReactionResult{
			Validity:  domain.ReactionDuplicate,
			LatencyMs: &prev,
			Status:    cur.Status,
			Battle:    cur,
		}, nil
	}

	r.audit.Record(ctx, battleID, domain.AuditReaction, participantID, map[string]any{
		"validity":           string(stored.Validity),
		"received_at":        receivedAt,
		"client_reported_at": clientReportedAt,
		"latency_ms":         latency,
	})
	r.bc.Reaction(ctx, b, stored)

	if b.Status.IsTerminal() {
		return outcomeFor(participantID, stored, b)
	}

	// The reaction is on record; finish deciding even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	sleepCtx(ctx, r.settleWindow)
	return r.resolve(ctx, battleID, participantID, stored)
}

// Expire closes a battle whose reaction window has elapsed. Reactions
// already on record still decide it; with none it becomes expired.
func (r *ResolutionService) Expire(ctx context.Context, battleID string) (domain.Battle, error) {
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		b, err := r.battles.Get(ctx, battleID)
		if err != nil {
			return domain.Battle{}, fmt.Errorf("resolution: expire %s: %w", battleID, err)
		}
		if b.Status.IsTerminal() {
			return b, nil
		}
		if b.Status == domain.BattleStatusCountdown {
			if _, err := r.timing.FireFlash(ctx, battleID); err != nil {
				return b, err
			}
			continue
		}
		if b.Status != domain.BattleStatusAwaitingReaction {
			return b, nil
		}

		now := r.now()
		if b.WindowCloseAt != nil && now.Before(*b.WindowCloseAt) {
			r.timing.scheduleExpiry(b)
			return b, nil
		}

		evs, err := r.reactions.ListByBattle(ctx, battleID)
		if err != nil {
			return b, fmt.Errorf("resolution: list reactions %s: %w", battleID, err)
		}
		next, decided := decide(b, evs, now)
		if !decided {
			next = b
			next.Status = domain.BattleStatusExpired
			next.Outcome = domain.OutcomeTimeout
			next.ResolvedAt = &now
		}

		ok, err := swap(ctx, r.battles, b, next)
		if err != nil {
			return b, fmt.Errorf("resolution: expire %s: %w", battleID, err)
		}
		if ok {
			return r.settle.Finalize(ctx, next, domain.ActorSystem), nil
		}
	}
	return r.battles.Get(ctx, battleID)
}

func (r *ResolutionService) resolve(ctx context.Context, battleID, participantID string, mine domain.ReactionEvent) (domain.ReactionResult, error) {
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		b, err := r.battles.Get(ctx, battleID)
		if err != nil {
			return domain.ReactionResult{}, fmt.Errorf("resolution: reload %s: %w", battleID, err)
		}
		if b.Status.IsTerminal() {
			return outcomeFor(participantID, mine, b)
		}

		evs, err := r.reactions.ListByBattle(ctx, battleID)
		if err != nil {
			return domain.ReactionResult{}, fmt.Errorf("resolution: list reactions %s: %w", battleID, err)
		}
		next, decided := decide(b, evs, r.now())
		if !decided {
			return domain.ReactionResult{Validity: mine.Validity, Status: b.Status, Battle: b}, nil
		}

		// Only a forfeit may skip the flash. An ontime reaction that beat the
		// flash timer opens the window first.
		if b.Status == domain.BattleStatusCountdown && !isForfeit(next.Outcome) {
			if _, err := r.timing.FireFlash(ctx, battleID); err != nil {
				return domain.ReactionResult{}, err
			}
			continue
		}

		ok, err := swap(ctx, r.battles, b, next)
		if err != nil {
			return domain.ReactionResult{}, fmt.Errorf("resolution: resolve %s: %w", battleID, err)
		}
		if !ok {
			continue
		}

		r.logger.InfoContext(ctx, "resolution: battle resolved",
			slog.String("battle_id", battleID),
			slog.String("outcome", string(next.Outcome)),
			slog.String("winner_id", next.WinnerID),
			slog.String("by", participantID),
		)
		final := r.settle.Finalize(ctx, next, participantID)
		return outcomeFor(participantID, mine, final)
	}

	b, err := r.battles.Get(ctx, battleID)
	if err != nil {
		return domain.ReactionResult{}, fmt.Errorf("resolution: reload %s: %w", battleID, err)
	}
	return outcomeFor(participantID, mine, b)
}

// late handles an ontime-shaped reaction received after the window closed.
// It is audited but never scored.
func (r *ResolutionService) late(ctx context.Context, b domain.Battle, participantID string, receivedAt time.Time, latency int64) (domain.ReactionResult, error) {
	evs, err := r.reactions.ListByBattle(ctx, b.ID)
	if err != nil {
		return domain.ReactionResult{}, fmt.Errorf("resolution: list reactions %s: %w", b.ID, err)
	}
	if prev, ok := firstValid(evs)[participantID]; ok {
		lat := prev.LatencyMs
		return domain.ReactionResult{Validity: domain.ReactionDuplicate, LatencyMs: &lat, Status: b.Status, Battle: b}, nil
	}

	r.audit.Record(ctx, b.ID, domain.AuditReactionLate, participantID, map[string]any{
		"received_at":     receivedAt,
		"window_close_at": *b.WindowCloseAt,
		"latency_ms":      latency,
	})

	final := b
	if !b.Status.IsTerminal() {
		final, err = r.Expire(context.WithoutCancel(ctx), b.ID)
		if err != nil {
			return domain.ReactionResult{}, err
		}
	}
	res := domain.ReactionResult{Status: final.Status, Battle: final}
	if final.Status == domain.BattleStatusErrored {
		return res, fmt.Errorf("resolution: battle %s: %w", b.ID, domain.ErrErrored)
	}
	return res, &domain.ResolvedError{Battle: final}
}

// outcomeFor shapes the caller's view of a terminal (or still open) battle.
func outcomeFor(participantID string, ev domain.ReactionEvent, b domain.Battle) (domain.ReactionResult, error) {
	res := domain.ReactionResult{Validity: ev.Validity, Status: b.Status, Battle: b}
	if ev.Validity == domain.ReactionOnTime {
		lat := ev.LatencyMs
		res.LatencyMs = &lat
	}

	switch {
	case b.Status == domain.BattleStatusErrored:
		return res, fmt.Errorf("resolution: battle %s: %w", b.ID, domain.ErrErrored)
	case ev.Validity == domain.ReactionFalseStart:
		return res, fmt.Errorf("resolution: %s: %w", participantID, domain.ErrFalseStart)
	case !b.Status.IsTerminal():
		return res, nil
	case b.Status == domain.BattleStatusResolved && (b.WinnerID == participantID || b.Tie):
		return res, nil
	default:
		return res, &domain.ResolvedError{Battle: b}
	}
}

// decide computes the terminal battle implied by the recorded reactions. It
// reports false when no participant has a scoring reaction yet.
func decide(b domain.Battle, evs []domain.ReactionEvent, now time.Time) (domain.Battle, bool) {
	valid := firstValid(evs)
	c, cok := valid[b.CreatorID]
	o, ook := valid[b.OpponentID]
	cFalse := cok && c.Validity == domain.ReactionFalseStart
	oFalse := ook && o.Validity == domain.ReactionFalseStart
	cOn := cok && c.Validity == domain.ReactionOnTime
	oOn := ook && o.Validity == domain.ReactionOnTime

	next := b
	next.Status = domain.BattleStatusResolved
	next.ResolvedAt = &now
	if cOn {
		next.SetReactionMs(b.CreatorID, c.LatencyMs)
	}
	if oOn {
		next.SetReactionMs(b.OpponentID, o.LatencyMs)
	}

	switch {
	case cFalse && oFalse:
		next.Tie = true
		next.Outcome = domain.OutcomeForfeitTie
	case cFalse:
		next.WinnerID = b.OpponentID
		next.Outcome = domain.OutcomeForfeit
	case oFalse:
		next.WinnerID = b.CreatorID
		next.Outcome = domain.OutcomeForfeit
	case cOn && oOn:
		switch {
		case c.LatencyMs < o.LatencyMs:
			next.WinnerID = b.CreatorID
			next.Outcome = domain.OutcomeWin
		case o.LatencyMs < c.LatencyMs:
			next.WinnerID = b.OpponentID
			next.Outcome = domain.OutcomeWin
		default:
			next.Tie = true
			next.Outcome = domain.OutcomeTie
		}
	case cOn:
		next.WinnerID = b.CreatorID
		next.Outcome = domain.OutcomeWin
	case oOn:
		next.WinnerID = b.OpponentID
		next.Outcome = domain.OutcomeWin
	default:
		return b, false
	}
	return next, true
}

// firstValid maps each participant to their scoring reaction.
func firstValid(evs []domain.ReactionEvent) map[string]domain.ReactionEvent {
	out := make(map[string]domain.ReactionEvent, 2)
	for _, ev := range evs {
		if ev.Validity == domain.ReactionDuplicate {
			continue
		}
		if _, ok := out[ev.ParticipantID]; !ok {
			out[ev.ParticipantID] = ev
		}
	}
	return out
}

func isForfeit(o domain.Outcome) bool {
	return o == domain.OutcomeForfeit || o == domain.OutcomeForfeitTie
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
