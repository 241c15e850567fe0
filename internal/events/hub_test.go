package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestHubDeliversEvents(t *testing.T) {
	hub := NewHub(Config{})
	defer hub.Close()

	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: MediaPrepared, Path: "/stream1", MediaID: "m1"})
	hub.Publish(Event{Type: MediaError, Path: "/broken", Error: "no element named pay0"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, MediaPrepared, got.Type)
	assert.Equal(t, "/stream1", got.Path)
	assert.Equal(t, "m1", got.MediaID)
	assert.False(t, got.Time.IsZero())

	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, MediaError, got.Type)
	assert.Equal(t, "no element named pay0", got.Error)
}

func TestHubRemovesDisconnectedClient(t *testing.T) {
	hub := NewHub(Config{})
	defer hub.Close()

	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(Config{SendBuffer: 1})

	slow := &Client{id: "slow", send: make(chan []byte, 1), hub: hub, logger: zap.NewNop()}
	hub.registerClient(slow)

	hub.Publish(Event{Type: MountAdded, Path: "/a"})
	assert.Equal(t, 1, hub.ClientCount())

	hub.Publish(Event{Type: MountRemoved, Path: "/a"})
	assert.Equal(t, 0, hub.ClientCount())

	// 끊기기 전에 쌓인 이벤트는 남아 있고 채널은 닫힘
	_, ok := <-slow.send
	assert.True(t, ok)
	_, ok = <-slow.send
	assert.False(t, ok)
}

func TestNilHubPublish(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() { hub.Publish(Event{Type: MediaClosed}) })
}
