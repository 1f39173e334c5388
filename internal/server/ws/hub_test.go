package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

func TestHubDeliversEvents(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	hub.SetStatusSource(func() domain.BotStatus {
		return domain.BotStatus{Mode: domain.ModePaperMirror, OpenPositions: 2}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first struct {
		Type    string           `json:"type"`
		Payload domain.BotStatus `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "bot_status", first.Type)
	assert.Equal(t, 2, first.Payload.OpenPositions)

	// Narrow to trade_failed, then confirm the filter applies.
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Events: []string{"trade_failed"}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if !c.isSubscribed("trade_executed") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	hub.OnEvent(ctx, domain.Event{Type: domain.EventTradeExecuted, Message: "filtered"})
	hub.OnEvent(ctx, domain.Event{Type: domain.EventTradeFailed, Message: "boom"})

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got struct {
		Type    string       `json:"type"`
		Payload domain.Event `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "trade_failed", got.Type)
	assert.Equal(t, "boom", got.Payload.Message)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(r))
}
