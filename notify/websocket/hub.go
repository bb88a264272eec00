// Package websocket broadcasts the notification feed to dashboard clients
// over WebSocket. The hub is strictly fire-and-forget: a slow or stalled
// client is disconnected rather than allowed to exert backpressure on the
// message path that produced the event.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/notify"
	"github.com/stitchworks/floorlink/pkg/buffer"
)

const (
	defaultSendBuffer = 64
	defaultBacklog    = 32
	writeWait         = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongWait          = 60 * time.Second
)

// Event is the JSON envelope written to every connected client.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Count      int     `json:"count,omitempty"`
	TerminalID string  `json:"terminal_id,omitempty"`
	State      string  `json:"state,omitempty"`
	Topic      string  `json:"topic,omitempty"`
	Payload    string  `json:"payload,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`

	Error *event.ErrorEvent `json:"error,omitempty"`
}

// Event type discriminators.
const (
	EventTerminalCount = "terminal_count"
	EventTerminalState = "terminal_state"
	EventMessage       = "message"
	EventError         = "error"
	EventResources     = "resources"
)

// Deps holds the hub's collaborators.
type Deps struct {
	Logger *slog.Logger
}

// Hub fans notification events out to WebSocket subscribers. It satisfies
// notify.Notifier so it can be handed directly to the components that emit.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	// backlog retains the most recent events so a freshly connected
	// dashboard paints current state instead of starting blank.
	backlog *buffer.Ring[[]byte]

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

var _ notify.Notifier = (*Hub)(nil)

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// NewHub creates an empty hub. Wire its Handler onto an HTTP mux and pass
// the hub wherever a notify.Notifier is expected.
func NewHub(deps Deps) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "notifyws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from arbitrary origins on the plant LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuffer: defaultSendBuffer,
		backlog:    buffer.NewRing[[]byte](defaultBacklog),
		clients:    make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades subscribers.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}

	// Seed the send queue with the retained backlog before the client is
	// visible to broadcast. The backlog is smaller than the send buffer,
	// so this never blocks.
	for _, msg := range h.backlog.Snapshot() {
		c.send <- msg
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("dashboard client connected", "remote", r.RemoteAddr, "clients", count)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop owns all writes to the connection, including pings.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.drop(c)

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readLoop drains control frames and detects the client going away. The
// feed is one-way; any data frames from the client are discarded.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		count := len(h.clients)
		h.mu.Unlock()

		c.conn.Close()
		h.logger.Debug("dashboard client removed", "clients", count)
	})
}

// broadcast queues the event on every client. A client whose buffer is
// full is dropped on the spot; the emitting goroutine never waits.
func (h *Hub) broadcast(ev Event) {
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.backlog.Append(data)

	h.mu.RLock()
	if h.closed || len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	stalled := make([]*client, 0)
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.logger.Warn("dropping slow dashboard client")
		h.drop(c)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects all subscribers and rejects new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
	h.logger.Info("notification hub stopped")
}

// TerminalCountChanged implements notify.Notifier.
func (h *Hub) TerminalCountChanged(count int) {
	h.broadcast(Event{Type: EventTerminalCount, Count: count})
}

// TerminalStateChanged implements notify.Notifier.
func (h *Hub) TerminalStateChanged(terminalID, state string) {
	h.broadcast(Event{Type: EventTerminalState, TerminalID: terminalID, State: state})
}

// MessageObserved implements notify.Notifier.
func (h *Hub) MessageObserved(topic string, payload []byte, direction notify.Direction) {
	h.broadcast(Event{
		Type:      EventMessage,
		Topic:     topic,
		Payload:   string(payload),
		Direction: string(direction),
	})
}

// ErrorAppended implements notify.Notifier.
func (h *Hub) ErrorAppended(ev *event.ErrorEvent) {
	h.broadcast(Event{Type: EventError, Error: ev})
}

// ResourceSample implements notify.Notifier.
func (h *Hub) ResourceSample(cpuPercent float64, rssBytes uint64, sampledAt time.Time) {
	h.broadcast(Event{Type: EventResources, CPUPercent: cpuPercent, RSSBytes: rssBytes})
}
