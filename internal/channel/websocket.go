package channel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// WSMessage is what browsers send: {"type":"message","content":"..."}.
// The session comes from the connection's ?session= query.
type WSMessage struct {
	Type       string             `json:"type"` // "message" | "ping"
	Content    string             `json:"content,omitempty"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

// wsEvent is an EventBus event as pushed to browsers.
type wsEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"ts"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHub fans EventBus events out to connected browsers. Each client has a
// buffered queue drained by its own writer, so a slow tab never blocks the
// scheduler's emit path; a client whose queue overflows is dropped.
type wsHub struct {
	events  *bus.EventBus
	publish func(domain.InboundMessage) error
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	handler string
}

// wsClient tracks one connected browser.
type wsClient struct {
	conn      *websocket.Conn
	sessionID string // empty = all sessions
	send      chan []byte
	closeOnce sync.Once
}

func newWSHub(events *bus.EventBus, publish func(domain.InboundMessage) error, logger *slog.Logger) *wsHub {
	return &wsHub{
		events:  events,
		publish: publish,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// attach subscribes the hub to every event.
func (h *wsHub) attach() {
	if h.events == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handler == "" {
		h.handler = h.events.On("*", h.broadcast)
	}
}

func (h *wsHub) detach() {
	if h.events == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handler != "" {
		h.events.Off("*", h.handler)
		h.handler = ""
	}
}

func encodeEvent(e bus.Event) ([]byte, error) {
	return json.Marshal(wsEvent{
		Type:      e.Type,
		SessionID: e.SessionID,
		Payload:   e.Payload,
		Timestamp: e.Timestamp.UnixMilli(),
	})
}

func (h *wsHub) broadcast(e bus.Event) {
	data, err := encodeEvent(e)
	if err != nil {
		h.logger.Warn("cannot encode event", "event", e.Type, "err", err)
		return
	}

	h.mu.RLock()
	var slow []*wsClient
	for c := range h.clients {
		if c.sessionID != "" && e.SessionID != "" && c.sessionID != e.SessionID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("websocket client too slow, dropping", "session", c.sessionID)
		h.remove(c)
	}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		metrics.WSConnections.Dec()
	}
	c.close()
}

func (h *wsHub) closeAll() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (h *wsHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serveWS upgrades the connection. ?session= filters events to one session;
// ?since=<unix ms> replays recorded events first so a reconnecting tab can
// catch up.
func (h *wsHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:      conn,
		sessionID: r.URL.Query().Get("session"),
		send:      make(chan []byte, wsSendBuffer),
	}

	if h.events != nil {
		if ms, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64); err == nil {
			for _, e := range h.events.Replay("*", c.sessionID, time.UnixMilli(ms)) {
				if data, err := encodeEvent(e); err == nil {
					select {
					case c.send <- data:
					default:
					}
				}
			}
		}
	}

	h.add(c)
	h.logger.Info("websocket client connected", "session", c.sessionID, "remote", r.RemoteAddr)

	go c.writeLoop(h)
	h.readLoop(c)
}

func (h *wsHub) readLoop(c *wsClient) {
	defer func() {
		h.remove(c)
		h.logger.Info("websocket client disconnected", "session", c.sessionID)
	}()

	c.conn.SetReadLimit(maxBodySize)
	c.conn.SetReadDeadline(time.Now().Add(2 * wsPingPeriod))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * wsPingPeriod))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("invalid websocket message", "err", err)
			continue
		}

		switch msg.Type {
		case "message":
			if c.sessionID == "" {
				h.reply(c, wsEvent{Type: "error", Payload: map[string]any{"error": "connect with ?session= to send messages"}})
				continue
			}
			if msg.Content == "" && msg.Attachment == nil {
				continue
			}
			if err := h.publish(domain.InboundMessage{SessionID: c.sessionID, Content: msg.Content, Attachment: msg.Attachment}); err != nil {
				h.reply(c, wsEvent{Type: "error", Payload: map[string]any{"error": err.Error()}})
			}
		case "ping":
			h.reply(c, wsEvent{Type: "pong"})
		default:
			h.reply(c, wsEvent{Type: "error", Payload: map[string]any{"error": fmt.Sprintf("unknown type %q", msg.Type)}})
		}
	}
}

func (c *wsClient) writeLoop(h *wsHub) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct answer to one client. Membership is checked under
// the hub lock so a removed client's closed queue is never written.
func (h *wsHub) reply(c *wsClient, e wsEvent) {
	e.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// close ends the writer, which then closes the connection.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}
