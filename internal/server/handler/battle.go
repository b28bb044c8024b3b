package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// BattleService defines the lifecycle methods the battle handler needs.
type BattleService interface {
	Create(ctx context.Context, creatorID, stakeType string, stakeAmount int64) (domain.Battle, error)
	Accept(ctx context.Context, battleID, opponentID string) (domain.Battle, error)
	Cancel(ctx context.Context, battleID, requesterID string) (domain.Battle, error)
	Get(ctx context.Context, battleID string) (domain.Battle, error)
	AuditTrail(ctx context.Context, battleID string, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Reactions(ctx context.Context, battleID string) ([]domain.ReactionEvent, error)
	Holds(ctx context.Context, battleID string) ([]domain.StakeHold, error)
}

// ReactionService scores reactions.
type ReactionService interface {
	SubmitReaction(ctx context.Context, battleID, participantID string, receivedAt time.Time, clientReportedAt *time.Time) (domain.ReactionResult, error)
}

// EventReplayer reads a battle's durable event stream.
type EventReplayer interface {
	Replay(ctx context.Context, battleID, lastID string, count int) ([]domain.StreamMessage, error)
}

// BattleHandler serves battle lifecycle and reaction endpoints.
type BattleHandler struct {
	battles   BattleService
	reactions ReactionService
	events    EventReplayer
	now       func() time.Time
	logger    *slog.Logger
}

// NewBattleHandler creates a BattleHandler.
func NewBattleHandler(battles BattleService, reactions ReactionService, events EventReplayer, now func() time.Time, logger *slog.Logger) *BattleHandler {
	return &BattleHandler{
		battles:   battles,
		reactions: reactions,
		events:    events,
		now:       now,
		logger:    logger,
	}
}

type createBattleRequest struct {
	CreatorID   string `json:"creatorId"`
	StakeType   string `json:"stakeType"`
	StakeAmount int64  `json:"stakeAmount"`
}

type battleStatusResponse struct {
	BattleID string              `json:"battleId"`
	Status   domain.BattleStatus `json:"status"`
}

// CreateBattle opens a pending battle.
// POST /api/battles
func (h *BattleHandler) CreateBattle(w http.ResponseWriter, r *http.Request) {
	var req createBattleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.CreatorID == "" {
		writeError(w, http.StatusBadRequest, "creatorId is required")
		return
	}

	b, err := h.battles.Create(r.Context(), req.CreatorID, req.StakeType, req.StakeAmount)
	if err != nil {
		writeDomainError(w, r, h.logger, "create battle", err)
		return
	}
	writeJSON(w, http.StatusCreated, battleStatusResponse{BattleID: b.ID, Status: b.Status})
}

type acceptBattleRequest struct {
	OpponentID string `json:"opponentId"`
}

// AcceptBattle joins a pending battle as the opponent.
// POST /api/battles/{id}/accept
func (h *BattleHandler) AcceptBattle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req acceptBattleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OpponentID == "" {
		writeError(w, http.StatusBadRequest, "opponentId is required")
		return
	}

	b, err := h.battles.Accept(r.Context(), id, req.OpponentID)
	if err != nil {
		writeDomainError(w, r, h.logger, "accept battle", err)
		return
	}
	writeJSON(w, http.StatusOK, battleStatusResponse{BattleID: b.ID, Status: b.Status})
}

type cancelBattleRequest struct {
	RequesterID string `json:"requesterId"`
}

// CancelBattle withdraws a pending or accepted battle.
// POST /api/battles/{id}/cancel
func (h *BattleHandler) CancelBattle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req cancelBattleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	b, err := h.battles.Cancel(r.Context(), id, req.RequesterID)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel battle", err)
		return
	}
	writeJSON(w, http.StatusOK, battleStatusResponse{BattleID: b.ID, Status: b.Status})
}

type submitReactionRequest struct {
	ParticipantID    string     `json:"participantId"`
	ClientReportedAt *time.Time `json:"clientReportedAt,omitempty"`
}

// ReactionResponse is the body returned for a reaction submission, over
// HTTP and over the websocket.
type ReactionResponse struct {
	BattleID  string                  `json:"battleId"`
	Validity  domain.ReactionValidity `json:"validity,omitempty"`
	LatencyMs *int64                  `json:"latencyMs,omitempty"`
	Status    domain.BattleStatus     `json:"status"`
	Result    string                  `json:"result,omitempty"`
	WinnerID  string                  `json:"winnerId,omitempty"`
	Message   string                  `json:"message,omitempty"`
}

// SubmitReaction records a participant's reaction. The receipt time is
// taken before anything else in the request is processed.
// POST /api/battles/{id}/reactions
func (h *BattleHandler) SubmitReaction(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now()
	id := pathParam(r, "id")

	var req submitReactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participantId is required")
		return
	}

	res, err := h.reactions.SubmitReaction(r.Context(), id, req.ParticipantID, receivedAt, req.ClientReportedAt)
	body, ok := ReactionOutcome(id, req.ParticipantID, res, err)
	if !ok {
		writeDomainError(w, r, h.logger, "submit reaction", err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// ReactionOutcome turns a submission result into the caller's view. It
// reports false when err is a real failure rather than an outcome.
func ReactionOutcome(battleID, participantID string, res domain.ReactionResult, err error) (ReactionResponse, bool) {
	body := ReactionResponse{
		BattleID:  battleID,
		Validity:  res.Validity,
		LatencyMs: res.LatencyMs,
		Status:    res.Status,
		WinnerID:  res.Battle.WinnerID,
	}

	var resolved *domain.ResolvedError
	switch {
	case err == nil:
		body.Result = resultFor(participantID, res.Battle)
		return body, true
	case errors.As(err, &resolved):
		b := resolved.Battle
		body.Status = b.Status
		body.WinnerID = b.WinnerID
		body.Result = resultFor(participantID, b)
		if body.Result == "lost" {
			body.Message = lossMessage(participantID, b)
		} else {
			body.Message = "battle already " + string(b.Status)
		}
		return body, true
	case errors.Is(err, domain.ErrFalseStart):
		body.Result = resultFor(participantID, res.Battle)
		body.Message = "false start"
		return body, true
	}
	return body, false
}

func resultFor(participantID string, b domain.Battle) string {
	switch {
	case !b.Status.IsTerminal():
		return "pending"
	case b.Tie:
		return "tie"
	case b.WinnerID == participantID:
		return "won"
	case b.WinnerID != "":
		return "lost"
	}
	return string(b.Outcome)
}

// lossMessage renders "you lost by X ms" when both latencies are known.
func lossMessage(participantID string, b domain.Battle) string {
	if b.Status != domain.BattleStatusResolved {
		return "battle already " + string(b.Status)
	}
	mine := b.ReactionMs(participantID)
	theirs := b.ReactionMs(b.WinnerID)
	if mine != nil && theirs != nil {
		return fmt.Sprintf("you lost by %d ms", *mine-*theirs)
	}
	if b.Outcome == domain.OutcomeForfeit {
		return "you lost by false start"
	}
	return "you lost"
}

// GetBattle returns a battle with its stake holds.
// GET /api/battles/{id}
func (h *BattleHandler) GetBattle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	b, err := h.battles.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get battle", err)
		return
	}
	holds, err := h.battles.Holds(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get battle holds", err)
		return
	}
	if holds == nil {
		holds = []domain.StakeHold{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"battle":     b,
		"holds":      holds,
		"held_total": domain.HeldTotal(holds),
	})
}

// GetAudit returns the battle's audit trail.
// GET /api/battles/{id}/audit?limit=50&offset=0
func (h *BattleHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	entries, err := h.battles.AuditTrail(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "get audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GetReactions returns every reaction recorded for the battle.
// GET /api/battles/{id}/reactions
func (h *BattleHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	evs, err := h.battles.Reactions(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get reactions", err)
		return
	}
	if evs == nil {
		evs = []domain.ReactionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": evs})
}

type replayEvent struct {
	ID    string `json:"id"`
	Event any    `json:"event"`
}

// GetEvents replays broadcast events after the given stream id so a
// reconnecting client can catch up.
// GET /api/battles/{id}/events?after=<stream id>&limit=100
func (h *BattleHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := h.battles.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "get events", err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	msgs, err := h.events.Replay(r.Context(), id, r.URL.Query().Get("after"), limit)
	if err != nil {
		writeDomainError(w, r, h.logger, "replay events", err)
		return
	}
	out := make([]replayEvent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, replayEvent{ID: m.ID, Event: rawJSON(m.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
