package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// Broadcaster publishes battle events on the per-battle topic and appends
// them to the battle's replay stream. Delivery is at-least-once; consumers
// drop events whose Key they have already seen.
type Broadcaster struct {
	bus    domain.SignalBus
	now    domain.Clock
	logger *slog.Logger
}

// NewBroadcaster creates a Broadcaster on top of the given bus.
func NewBroadcaster(bus domain.SignalBus, now domain.Clock, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{bus: bus, now: now, logger: logger}
}

// State publishes a battle_state event for a committed battle.
func (b *Broadcaster) State(ctx context.Context, battle domain.Battle) {
	b.send(ctx, domain.StateEvent(battle, b.now()))
}

// Reaction publishes a reaction_submitted event for a stored reaction.
func (b *Broadcaster) Reaction(ctx context.Context, battle domain.Battle, ev domain.ReactionEvent) {
	b.send(ctx, domain.ReactionSubmittedEvent(battle, ev, b.now()))
}

func (b *Broadcaster) send(ctx context.Context, ev domain.BattleEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.ErrorContext(ctx, "broadcaster: marshal event",
			slog.String("battle_id", ev.BattleID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := b.bus.StreamAppend(ctx, domain.BattleStream(ev.BattleID), payload); err != nil {
		b.logger.WarnContext(ctx, "broadcaster: stream append failed",
			slog.String("battle_id", ev.BattleID),
			slog.String("error", err.Error()),
		)
	}
	if err := b.bus.Publish(ctx, domain.BattleTopic(ev.BattleID), payload); err != nil {
		b.logger.WarnContext(ctx, "broadcaster: publish failed",
			slog.String("battle_id", ev.BattleID),
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Replay returns events appended to the battle's stream after lastID.
func (b *Broadcaster) Replay(ctx context.Context, battleID, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	return b.bus.StreamRead(ctx, domain.BattleStream(battleID), lastID, count)
}
