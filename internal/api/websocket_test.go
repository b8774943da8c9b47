package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-desk/nova/internal/eventbus"
	"github.com/nova-desk/nova/internal/plugin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// syncClient round-trips a ping so earlier client messages are processed
func syncClient(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, Message{Type: MessageTypePing})
	msg := readMessage(t, conn)
	require.Equal(t, MessageTypePong, msg.Type)
}

func TestHub_PingPong(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv)
	syncClient(t, conn)
}

func TestHub_Broadcast(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv)

	hub.Broadcast(Message{Type: MessageTypeLifecycle, Data: map[string]string{"plugin_id": "demo"}})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeLifecycle, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestHub_Subscriptions(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv)

	send(t, conn, Message{Type: MessageTypeUnsubscribe, Data: []string{"*"}})
	send(t, conn, Message{Type: MessageTypeSubscribe, Data: []string{"alpha"}})
	syncClient(t, conn)

	hub.BroadcastToPlugin("beta", Message{Type: MessageTypeData, Data: "skipped"})
	hub.BroadcastToPlugin("alpha", Message{Type: MessageTypeData, Data: "delivered"})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeData, msg.Type)
	assert.Equal(t, "delivered", msg.Data)
}

func TestHub_Disconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, hub, srv)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsOrigin(t *testing.T) {
	hub := NewHub(func(origin string) bool { return origin == "http://localhost:5173" }, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}

func TestHub_AttachRelaysBus(t *testing.T) {
	hub, srv := newTestHub(t)
	bus, err := eventbus.New(eventbus.Config{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	require.NoError(t, hub.Attach(bus))

	conn := dial(t, hub, srv)

	bus.PluginData("clock_widget", "time", json.RawMessage(`"12:00:00"`))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeData, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok, "expected object payload, got %T", msg.Data)
	assert.Equal(t, "clock_widget", data["plugin_id"])
	assert.Equal(t, "time", data["key"])
	assert.Equal(t, "12:00:00", data["value"])

	bus.PluginEvent(plugin.Event{PluginID: "clock_widget", Type: plugin.EventStarted})
	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeLifecycle, msg.Type)
}
