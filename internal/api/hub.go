package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ ports.EventSink = (*Hub)(nil)

const (
	clientBuffer = 32
	writeWait    = 5 * time.Second
)

// Message is what websocket clients receive.
type Message struct {
	Type  string                   `json:"type"`
	Event *domain.PublicationEvent `json:"event,omitempty"`
	Stats any                      `json:"stats,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans publication events out to connected websocket clients. A client
// that cannot keep up loses messages rather than slowing publications.
type Hub struct {
	upgrader websocket.Upgrader
	snapshot func() any
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub builds a hub; snapshot, when set, is sent to each new client.
func NewHub(snapshot func() any) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		snapshot: snapshot,
		logger:   log.Logger.With().Str("component", "ws-hub").Logger(),
		clients:  make(map[*client]struct{}),
	}
}

func (h *Hub) Emit(_ context.Context, ev domain.PublicationEvent) error {
	b, err := json.Marshal(Message{Type: "publication", Event: &ev})
	if err != nil {
		return err
	}
	h.broadcast(b)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("slow websocket client, message dropped")
		}
	}
}

// ServeHTTP upgrades the connection and streams messages until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	if h.snapshot != nil {
		if b, err := json.Marshal(Message{Type: "stats", Stats: h.snapshot()}); err == nil {
			c.send <- b
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", n).Msg("websocket client connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", n).Msg("websocket client disconnected")
}

// readLoop only drains control frames; clients do not send commands.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}
