// Package server exposes the battle engine over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
	"github.com/alanyoungcy/duelengine/internal/server/handler"
	"github.com/alanyoungcy/duelengine/internal/server/middleware"
	"github.com/alanyoungcy/duelengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Battles *handler.BattleHandler
	Agents  *handler.AgentHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Routes registers every endpoint and wraps the mux in the middleware
// chain. It is separate from NewServer so tests can drive it directly.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Battle lifecycle.
	mux.HandleFunc("POST /api/battles", handlers.Battles.CreateBattle)
	mux.HandleFunc("GET /api/battles/{id}", handlers.Battles.GetBattle)
	mux.HandleFunc("POST /api/battles/{id}/accept", handlers.Battles.AcceptBattle)
	mux.HandleFunc("POST /api/battles/{id}/cancel", handlers.Battles.CancelBattle)
	mux.HandleFunc("POST /api/battles/{id}/reactions", handlers.Battles.SubmitReaction)
	mux.HandleFunc("GET /api/battles/{id}/reactions", handlers.Battles.GetReactions)
	mux.HandleFunc("GET /api/battles/{id}/audit", handlers.Battles.GetAudit)
	mux.HandleFunc("GET /api/battles/{id}/events", handlers.Battles.GetEvents)

	// Matchmaking and agents.
	mux.HandleFunc("GET /api/opponents/random", handlers.Agents.RandomOpponent)
	mux.HandleFunc("POST /api/agents/{id}/seen", handlers.Agents.Seen)
	mux.HandleFunc("POST /api/agents/{id}/blocks", handlers.Agents.Block)
	mux.HandleFunc("GET /api/agents/{id}/balance", handlers.Agents.Balance)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// NewServer creates a Server listening on cfg.Port.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           Routes(cfg, handlers, wsHub, limiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
