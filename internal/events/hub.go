package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Type은 이벤트 종류
type Type string

const (
	MediaPrepared Type = "media_prepared"
	MediaClosed   Type = "media_closed"
	MediaError    Type = "media_error"
	SessionOpened Type = "session_opened"
	SessionClosed Type = "session_closed"
	MountAdded    Type = "mount_added"
	MountRemoved  Type = "mount_removed"
)

// Event는 WebSocket으로 전달되는 미디어/세션 수명 주기 이벤트
type Event struct {
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	Path      string    `json:"path,omitempty"`
	MediaID   string    `json:"media_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Hub는 WebSocket 구독자들에게 이벤트를 전달합니다
// nil Hub의 Publish는 아무 일도 하지 않습니다
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	clients map[*Client]bool
	mutex   sync.RWMutex
}

// Client는 WebSocket 구독자
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

// Config는 Hub 설정
type Config struct {
	Logger *zap.Logger
	// SendBuffer는 클라이언트별 대기 이벤트 수. 가득 차면 그 클라이언트를 끊습니다
	SendBuffer int
}

// NewHub는 새로운 이벤트 허브를 생성합니다
func NewHub(config Config) *Hub {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	return &Hub{
		logger:     config.Logger,
		sendBuffer: config.SendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*Client]bool),
	}
}

// HandleWebSocket은 WebSocket 연결을 구독자로 등록합니다
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	client := &Client{
		id:     clientID,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		hub:    h,
		logger: h.logger.With(zap.String("client_id", clientID)),
	}

	h.registerClient(client)

	go client.writePump()
	go client.readPump()

	client.logger.Info("Event subscriber connected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[client] = true
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.clients[client]; exists {
		delete(h.clients, client)
		close(client.send)

		h.logger.Info("Event subscriber removed",
			zap.String("client_id", client.id),
			zap.Int("total_clients", len(h.clients)),
		)
	}
}

// Publish는 이벤트를 모든 구독자에게 보냅니다. 대기열이 가득 찬 구독자는 끊습니다
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	var slow []*Client

	h.mutex.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range slow {
		client.logger.Warn("Event subscriber too slow, dropping")
		h.unregisterClient(client)
	}
}

// ClientCount는 연결된 구독자 수
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close는 모든 구독자 연결을 종료합니다
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// readPump은 연결 종료를 감지하기 위해서만 읽습니다
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Warn("Failed to write event", zap.Error(err))
			return
		}
	}

	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
