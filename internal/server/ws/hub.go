// Package ws bridges per-battle broadcast topics to websocket clients and
// accepts reactions over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/duelengine/internal/domain"
	"github.com/alanyoungcy/duelengine/internal/server/handler"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// battlePattern matches every per-battle topic.
const battlePattern = "battle:*"

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Presence records that an agent is online.
type Presence interface {
	Seen(ctx context.Context, agentID string) error
}

// client represents a single WebSocket connection.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	agentID string
	send    chan []byte
	battles map[string]bool // subscribed battle ids
	mu      sync.RWMutex
}

// inboundMsg is a JSON text frame sent by a client.
//
//	{"action":"subscribe","battles":["<id>"]}
//	{"action":"unsubscribe","battles":["<id>"]}
//	{"action":"react","battleId":"<id>","clientReportedAt":"<RFC3339>"}
type inboundMsg struct {
	Action           string     `json:"action"`
	Battles          []string   `json:"battles"`
	BattleID         string     `json:"battleId"`
	ClientReportedAt *time.Time `json:"clientReportedAt"`
}

// Config holds the hub's reaction rate limit.
type Config struct {
	ReactionLimit  int
	ReactionWindow time.Duration
}

// Hub manages connected clients and fans battle events out to the clients
// subscribed to each battle.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.Message
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	reactions  handler.ReactionService
	presence   Presence
	limiter    domain.RateLimiter
	cfg        Config
	now        func() time.Time
	mu         sync.RWMutex
	logger     *slog.Logger

	// done is closed when Run returns; pumps still running after that must
	// not block on register or unregister.
	done  chan struct{}
	pumps sync.WaitGroup
}

// NewHub creates a Hub fed by bus.
func NewHub(
	bus domain.SignalBus,
	reactions handler.ReactionService,
	presence Presence,
	limiter domain.RateLimiter,
	cfg Config,
	now func() time.Time,
	logger *slog.Logger,
) *Hub {
	if cfg.ReactionLimit <= 0 {
		cfg.ReactionLimit = 10
	}
	if cfg.ReactionWindow <= 0 {
		cfg.ReactionWindow = time.Second
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.Message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		reactions:  reactions,
		presence:   presence,
		limiter:    limiter,
		cfg:        cfg,
		now:        now,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. It returns when ctx is cancelled.
// Run must be called at most once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgCh, err := h.bus.Subscribe(ctx, battlePattern)
	if err != nil {
		return err
	}
	go h.forward(ctx, msgCh)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("agent_id", c.agentID),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.String("agent_id", c.agentID),
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			battleID := strings.TrimPrefix(msg.Channel, "battle:")
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(battleID) {
					select {
					case c.send <- msg.Payload:
					default:
						// Slow client; it can catch up from the replay stream.
						h.logger.Warn("ws: dropping message for slow client",
							slog.String("agent_id", c.agentID),
							slog.String("battle_id", battleID),
						)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) forward(ctx context.Context, msgCh <-chan domain.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: battle subscription closed")
				return
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws?agent_id=...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		http.Error(w, `{"error":"agent_id query parameter required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		agentID: agentID,
		send:    make(chan []byte, sendBufferSize),
		battles: make(map[string]bool),
	}
	if battleID := r.URL.Query().Get("battle_id"); battleID != "" {
		c.battles[battleID] = true
	}

	if h.presence != nil {
		if err := h.presence.Seen(r.Context(), agentID); err != nil {
			h.logger.Warn("ws: presence update failed",
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()),
			)
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	h.pumps.Add(1)
	go c.writePump()
	go c.readPump()
}

// Wait blocks until every client's read loop has exited. Call it after Run
// has returned.
func (h *Hub) Wait() {
	h.pumps.Wait()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads frames from the connection. Reaction frames are stamped
// with the receipt time as soon as they are read.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		receivedAt := c.hub.now()

		var msg inboundMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		switch msg.Action {
		case "subscribe", "unsubscribe":
			c.handleSubscription(msg)
		case "react":
			go c.react(msg, receivedAt)
		default:
			c.reply(map[string]string{"type": "error", "error": "unknown action " + msg.Action})
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests from the client.
func (c *client) handleSubscription(msg inboundMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range msg.Battles {
		if msg.Action == "subscribe" {
			c.battles[id] = true
		} else {
			delete(c.battles, id)
		}
	}
}

// react forwards a reaction to the resolution service and replies with the
// caller's outcome.
func (c *client) react(msg inboundMsg, receivedAt time.Time) {
	ctx := context.Background()
	h := c.hub

	if msg.BattleID == "" {
		c.reply(map[string]string{"type": "error", "error": "battleId required"})
		return
	}
	allowed, err := h.limiter.Allow(ctx, "ratelimit:react:"+c.agentID, h.cfg.ReactionLimit, h.cfg.ReactionWindow)
	if err == nil && !allowed {
		c.reply(map[string]string{"type": "error", "battleId": msg.BattleID, "error": "rate limited"})
		return
	}

	// Make sure the reacting client also hears the outcome broadcast.
	c.mu.Lock()
	c.battles[msg.BattleID] = true
	c.mu.Unlock()

	res, err := h.reactions.SubmitReaction(ctx, msg.BattleID, c.agentID, receivedAt, msg.ClientReportedAt)
	body, ok := handler.ReactionOutcome(msg.BattleID, c.agentID, res, err)
	if !ok {
		h.logger.Warn("ws: reaction rejected",
			slog.String("agent_id", c.agentID),
			slog.String("battle_id", msg.BattleID),
			slog.String("error", err.Error()),
		)
		c.reply(map[string]string{"type": "error", "battleId": msg.BattleID, "error": err.Error()})
		return
	}
	c.reply(map[string]any{"type": "reaction_result", "payload": body})
}

func (c *client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed checks whether the client follows the given battle.
func (c *client) isSubscribed(battleID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.battles[battleID]
}

// writePump pumps messages from the hub to the WebSocket connection and
// sends periodic pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
