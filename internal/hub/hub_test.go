package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastsToSubscribers(t *testing.T) {
	h := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	h.Publish(EventReportCreated, "checkout-api", map[string]string{"id": "rca-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Type    string            `json:"type"`
		Key     string            `json:"key"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, EventReportCreated, evt.Type)
	assert.Equal(t, "checkout-api", evt.Key)
	assert.Equal(t, "rca-1", evt.Payload["id"])
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	h := New([]string{"https://dash.example.com"}, nil)
	check := h.upgrader.CheckOrigin

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := New(nil, nil)
	for i := 0; i < 1000; i++ {
		h.Publish(EventWatchTransition, "k", i)
	}
	assert.Len(t, h.broadcast, cap(h.broadcast))
}
