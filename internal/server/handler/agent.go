package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// MatchService defines the matchmaking methods the agent handler needs.
type MatchService interface {
	RandomOpponent(ctx context.Context, requesterID string) (string, error)
	Seen(ctx context.Context, agentID string) error
	Block(ctx context.Context, blockerID, blockedID string) error
}

// BalanceReader reads spendable balances from the ledger.
type BalanceReader interface {
	Balance(ctx context.Context, agentID, stakeType string) (int64, error)
}

// AgentHandler serves matchmaking and agent endpoints.
type AgentHandler struct {
	match    MatchService
	balances BalanceReader
	logger   *slog.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(match MatchService, balances BalanceReader, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{match: match, balances: balances, logger: logger}
}

// RandomOpponent picks one eligible opponent.
// GET /api/opponents/random?requesterId=...
func (h *AgentHandler) RandomOpponent(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requesterId")
	if requester == "" {
		writeError(w, http.StatusBadRequest, "requesterId query parameter required")
		return
	}
	opponent, err := h.match.RandomOpponent(r.Context(), requester)
	if err != nil {
		writeDomainError(w, r, h.logger, "random opponent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"opponentId": opponent})
}

// Seen records a presence heartbeat.
// POST /api/agents/{id}/seen
func (h *AgentHandler) Seen(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.match.Seen(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "agent seen", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type blockRequest struct {
	BlockedID string `json:"blockedId"`
}

// Block prevents the two agents from being paired.
// POST /api/agents/{id}/blocks
func (h *AgentHandler) Block(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req blockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.match.Block(r.Context(), id, req.BlockedID); err != nil {
		writeDomainError(w, r, h.logger, "block agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"blockerId": id,
		"blockedId": req.BlockedID,
	})
}

// Balance returns an agent's spendable balance in one stake type.
// GET /api/agents/{id}/balance?stakeType=credits
func (h *AgentHandler) Balance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	stakeType := r.URL.Query().Get("stakeType")
	if stakeType == "" {
		writeError(w, http.StatusBadRequest, "stakeType query parameter required")
		return
	}
	amount, err := h.balances.Balance(r.Context(), id, stakeType)
	if err != nil {
		writeDomainError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId":   id,
		"stakeType": stakeType,
		"amount":    amount,
	})
}
