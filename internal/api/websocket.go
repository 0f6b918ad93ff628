package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fieldlink/internal/auth"
	"github.com/nerrad567/fieldlink/internal/fanout"
	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeWelcome  = "welcome"
	WSTypePing     = "ping"
	WSTypePong     = "pong"
	WSTypeEvent    = "event"
	WSTypeError    = "error"
	wsControlQueue = 8
)

// WebSocket defaults used when the config leaves a field unset.
const (
	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub tracks open WebSocket sessions so they can be closed on shutdown.
// Event delivery itself goes through each session's fanout subscription.
type Hub struct {
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one WebSocket observer session.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	sub     *fanout.Subscription
	events  *fanout.Broadcaster
	control chan []byte
	subject string
	role    auth.Role

	closeOnce sync.Once
	done      chan struct{}
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ClientsByRole counts connected clients per token role.
func (h *Hub) ClientsByRole() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int)
	for c := range h.clients {
		out[string(c.role)]++
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// handleWebSocket upgrades the connection and streams fan-out events.
//
// Query parameters:
//   - ticket: single-use ticket from POST /auth/ws-ticket (required)
//   - devices: comma-separated device IDs (default all)
//   - kinds: comma-separated event kinds (default all)
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	ticket := q.Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	filter := fanout.Filter{DeviceIDs: splitList(q.Get("devices"))}
	for _, k := range splitList(q.Get("kinds")) {
		kind := fanout.Kind(k)
		if !kind.Valid() {
			writeBadRequest(w, "unknown event kind: "+k)
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:     s.hub,
		conn:    conn,
		sub:     s.events.Subscribe(filter),
		events:  s.events,
		control: make(chan []byte, wsControlQueue),
		subject: entry.subject,
		role:    entry.role,
		done:    make(chan struct{}),
	}
	s.hub.Register(client)

	s.logger.Info("websocket session opened",
		"subscription_id", client.sub.ID(),
		"subject", entry.subject,
		"role", entry.role,
		"devices", len(filter.DeviceIDs),
		"kinds", len(filter.Kinds),
	)

	client.sendControl(WSMessage{
		Type:    WSTypeWelcome,
		Payload: map[string]any{"subscription_id": client.sub.ID()},
	})

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// close ends the session exactly once.
func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.events.Unsubscribe(c.sub)
		c.hub.Unregister(c)
		c.conn.Close()
	})
}

// readPump reads client messages until the connection fails.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer c.close()

	maxSize, pingInterval, pongWait := wsTimings(cfg)
	c.conn.SetReadLimit(int64(maxSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump is the only writer on the connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	_, pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	events := c.sub.C()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.closeWithReason(pongWait)
				return
			}
			data, err := json.Marshal(eventMessage(ev))
			if err != nil {
				c.hub.logger.Error("failed to marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			if !c.write(websocket.TextMessage, data, pongWait) {
				return
			}
		case data := <-c.control:
			if !c.write(websocket.TextMessage, data, pongWait) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil, pongWait) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) write(messageType int, data []byte, wait time.Duration) bool {
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.conn.SetWriteDeadline(time.Now().Add(wait))
	return c.conn.WriteMessage(messageType, data) == nil
}

// closeWithReason tells the client why its subscription ended.
func (c *WSClient) closeWithReason(wait time.Duration) {
	code, text := websocket.CloseGoingAway, "server closing"
	if errors.Is(c.sub.Err(), fanout.ErrSubscriberOverrun) {
		code, text = websocket.CloseTryAgainLater, "subscriber overrun"
	}
	//nolint:errcheck // Best-effort close message
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wait))
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.sendControl(WSMessage{Type: WSTypePong, ID: msg.ID})
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// sendControl queues a reply for the write pump. Replies are dropped when
// the client is not reading.
func (c *WSClient) sendControl(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.control <- data:
	default:
	}
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendControl(WSMessage{Type: WSTypeError, ID: id, Payload: map[string]string{"message": message}})
}

func eventMessage(ev fanout.Event) WSMessage {
	return WSMessage{
		Type:      WSTypeEvent,
		EventType: string(ev.Kind),
		DeviceID:  ev.DeviceID,
		Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
		Payload:   ev.Payload,
	}
}

func wsTimings(cfg config.WebSocketConfig) (maxSize int, pingInterval, pongWait time.Duration) {
	maxSize = cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultWSMaxMessageSize
	}
	pingInterval = time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultWSPingInterval
	}
	pongWait = time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultWSPongTimeout
	}
	return maxSize, pingInterval, pongWait
}
