package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoooNlIoN/kanban-backend/internal/config"
	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	"github.com/NoooNlIoN/kanban-backend/internal/realtime"
	"github.com/NoooNlIoN/kanban-backend/internal/sequencer"
)

const testInternalToken = "internal-test-token-123"

type staticVerifier struct {
	tokens map[string]int64
}

func (v *staticVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	userID, ok := v.tokens[token]
	if !ok {
		return domain.Identity{}, domain.ErrTokenInvalid
	}
	return domain.Identity{UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type staticOracle struct {
	level domain.AccessLevel
}

func (o *staticOracle) Level(_ context.Context, _, _ int64) (domain.AccessLevel, error) {
	return o.level, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *sequencer.MemorySequencer) {
	t.Helper()

	cfg := &config.Config{
		Port:          "0",
		InternalToken: testInternalToken,
	}

	clock := clockwork.NewRealClock()
	hub := realtime.NewHub(clock, 64, 10, time.Minute)
	t.Cleanup(hub.Stop)

	seq := sequencer.NewMemorySequencer(100, clock)
	oracle := &staticOracle{level: domain.AccessWrite}
	broadcaster := realtime.NewBroadcaster(hub, oracle, seq, clock)
	t.Cleanup(broadcaster.Stop)
	seq.OnEvent(broadcaster.HandleEvent)

	verifier := &staticVerifier{tokens: map[string]int64{"token-1": 1}}
	sessions := realtime.NewSessionHandler(hub, broadcaster, verifier, oracle, clock, realtime.SessionConfig{
		AuthTimeout:  2 * time.Second,
		CommandRate:  100,
		CommandBurst: 100,
	})

	srv := NewServer(cfg, sessions, seq)
	httpServer := httptest.NewServer(srv.echo)
	t.Cleanup(httpServer.Close)

	return httpServer, seq
}

func postEvent(t *testing.T, server *httptest.Server, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/internal/events", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(internalTokenHeader, token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPublishEvent(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postEvent(t, server, testInternalToken, map[string]any{
		"board_id":   1,
		"event_type": "card_created",
		"payload":    map[string]any{"title": "hello"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, float64(1), result["board_id"])
	assert.Equal(t, float64(1), result["sequence"])

	// Sequence advances per board.
	resp = postEvent(t, server, testInternalToken, map[string]any{
		"board_id":   1,
		"event_type": "card_updated",
		"payload":    map[string]any{},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, float64(2), result["sequence"])
}

func TestPublishEventRejectsBadToken(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postEvent(t, server, "wrong-token", map[string]any{
		"board_id":   1,
		"event_type": "card_created",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postEvent(t, server, "", map[string]any{
		"board_id":   1,
		"event_type": "card_created",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublishEventValidation(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown event type", map[string]any{"board_id": 1, "event_type": "board_exploded"}},
		{"missing board id", map[string]any{"event_type": "card_created"}},
		{"negative board id", map[string]any{"board_id": -3, "event_type": "card_created"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postEvent(t, server, testInternalToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var result map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			assert.Equal(t, "validation", result["type"])
		})
	}
}

type downSequencer struct{}

func (downSequencer) Publish(_ context.Context, _ int64, _ domain.EventType, _ json.RawMessage) (domain.Event, error) {
	return domain.Event{}, fmt.Errorf("redis gone: %w", domain.ErrSequencerUnavailable)
}

func (downSequencer) EventsSince(_ context.Context, _ int64, _ uint64) ([]domain.Event, error) {
	return nil, domain.ErrSequencerUnavailable
}

func TestPublishEventSequencerUnavailable(t *testing.T) {
	cfg := &config.Config{Port: "0", InternalToken: testInternalToken}
	srv := NewServer(cfg, nil, downSequencer{})
	server := httptest.NewServer(srv.echo)
	t.Cleanup(server.Close)

	resp := postEvent(t, server, testInternalToken, map[string]any{
		"board_id":   1,
		"event_type": "card_created",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "sequencer_unavailable", result["type"])
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketEndToEnd(t *testing.T) {
	server, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	writeJSON := func(v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		require.NoError(t, conn.WriteMessage(ws.TextMessage, data))
	}
	readJSON := func() map[string]any {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	writeJSON(map[string]any{"type": "auth", "token": "token-1"})
	msg := readJSON()
	require.Equal(t, "auth_ok", msg["type"])

	writeJSON(map[string]any{"type": "subscribe", "board_id": 7})
	msg = readJSON()
	require.Equal(t, "subscribed", msg["type"])

	resp := postEvent(t, server, testInternalToken, map[string]any{
		"board_id":   7,
		"event_type": "column_created",
		"payload":    map[string]any{"name": "Doing"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg = readJSON()
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, float64(7), msg["board_id"])
	assert.Equal(t, float64(1), msg["sequence"])
	assert.Equal(t, "column_created", msg["event_type"])
}
