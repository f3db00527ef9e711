package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meartlab/meart/server/internal/api"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufSize = 8

	// EventStatus is the only event the hub emits.
	EventStatus = "status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the envelope sent to clients.
type Message struct {
	Event string             `json:"event"`
	Data  api.StatusResponse `json:"data"`
}

// Source produces the status document to broadcast.
type Source func() api.StatusResponse

// Hub tracks connected clients and pushes status to them.
type Hub struct {
	source   Source
	interval time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub that polls source every interval.
func New(source Source, interval time.Duration) *Hub {
	return &Hub{
		source:   source,
		interval: interval,
		clients:  make(map[*client]struct{}),
	}
}

// Run broadcasts until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-t.C:
			if h.Count() == 0 {
				continue
			}
			if data, err := h.encode(); err == nil {
				h.broadcast(data)
			}
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufSize)}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)
	slog.Debug("ws: client connected", "remote", r.RemoteAddr, "clients", h.Count())

	if data, err := h.encode(); err == nil {
		h.deliver(c, data)
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) encode() ([]byte, error) {
	data, err := json.Marshal(Message{Event: EventStatus, Data: h.source()})
	if err != nil {
		slog.Error("ws: encode status", "err", err)
	}
	return data, err
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// unregister is safe to call more than once; send is closed exactly once
// and only while holding mu.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// deliver queues data for c, dropping the client if its buffer is full.
func (h *Hub) deliver(c *client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offer(c, data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.offer(c, data)
	}
}

// offer requires mu.
func (h *Hub) offer(c *client, data []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("ws: dropping slow client")
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// writePump forwards queued messages and keeps the connection alive with
// pings. A closed send channel ends the connection with a close frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and returns when the peer disconnects.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
