package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memcache "github.com/alanyoungcy/duelengine/internal/cache/memory"
	"github.com/alanyoungcy/duelengine/internal/domain"
)

type stubReactions struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubReactions) SubmitReaction(_ context.Context, battleID, participantID string, _ time.Time, _ *time.Time) (domain.ReactionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, battleID+"/"+participantID)
	s.mu.Unlock()

	latency := int64(187)
	b := domain.Battle{
		ID: battleID, Status: domain.BattleStatusResolved,
		CreatorID: participantID, OpponentID: "rival", WinnerID: participantID,
	}
	return domain.ReactionResult{Validity: domain.ReactionOnTime, LatencyMs: &latency, Status: b.Status, Battle: b}, nil
}

type seenRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *seenRecorder) Seen(_ context.Context, agentID string) error {
	s.mu.Lock()
	s.ids = append(s.ids, agentID)
	s.mu.Unlock()
	return nil
}

func startHub(t *testing.T, cfg Config) (*Hub, domain.SignalBus, *seenRecorder, string) {
	t.Helper()
	bus := memcache.NewSignalBus()
	seen := &seenRecorder{}
	hub := NewHub(bus, &stubReactions{}, seen, memcache.NewRateLimiter(), cfg, time.Now,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, bus, seen, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestHub_ReactAndBroadcast(t *testing.T) {
	_, bus, seen, url := startHub(t, Config{})
	conn := dial(t, url+"?agent_id=alice")

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "react", "battleId": "b1"}))
	var reply struct {
		Type    string `json:"type"`
		Payload struct {
			Result    string `json:"result"`
			LatencyMs int64  `json:"latencyMs"`
		} `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "reaction_result", reply.Type)
	assert.Equal(t, "won", reply.Payload.Result)
	assert.Equal(t, int64(187), reply.Payload.LatencyMs)

	// Reacting subscribes the client to the battle topic.
	require.NoError(t, bus.Publish(context.Background(), domain.BattleTopic("b2"), []byte(`{"type":"other"}`)))
	require.NoError(t, bus.Publish(context.Background(), domain.BattleTopic("b1"), []byte(`{"type":"battle_state"}`)))
	var ev map[string]string
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "battle_state", ev["type"])

	seen.mu.Lock()
	assert.Equal(t, []string{"alice"}, seen.ids)
	seen.mu.Unlock()
}

func TestHub_RejectsBadFrames(t *testing.T) {
	_, _, _, url := startHub(t, Config{ReactionLimit: 1, ReactionWindow: time.Minute})
	conn := dial(t, url+"?agent_id=bob")

	var reply map[string]string
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "invalid message", reply["error"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "dance"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "unknown action dance", reply["error"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "react", "battleId": "b1"}))
	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "reaction_result", first["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "react", "battleId": "b1"}))
	reply = nil
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "rate limited", reply["error"])
}

func TestHub_RequiresAgentID(t *testing.T) {
	_, _, _, url := startHub(t, Config{})
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_ShutdownReleasesClients(t *testing.T) {
	bus := memcache.NewSignalBus()
	hub := NewHub(bus, &stubReactions{}, nil, memcache.NewRateLimiter(), Config{}, time.Now,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = hub.Run(ctx)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, url+"?agent_id=alice")
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-stopped

	// The hub closes the client's send queue; the client sees the close
	// frame and its read loop exits without a running hub to unregister it.
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	waited := make(chan struct{})
	go func() {
		hub.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("client read loop still blocked after hub shutdown")
	}

	// A connection arriving after shutdown is closed instead of hanging.
	late := dial(t, url+"?agent_id=bob")
	_, _, err = late.ReadMessage()
	require.Error(t, err)
}
