// Package push broadcasts observability snapshots to websocket
// dashboard clients. Delivery is best effort: a slow client is
// disconnected rather than allowed to back-pressure the pipeline.
package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signal-relay/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 8
	maxMessageSize = 512
)

// Hub maintains the set of connected dashboard clients and fans
// snapshots out to them. It implements observability.Sink.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan *observability.Snapshot
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "push").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: 1024,
			// Dashboard-only endpoint; origin policy is enforced upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Compile-time interface check.
var _ observability.Sink = (*Hub)(nil)

// Publish offers the snapshot to every connected client. Clients whose
// buffer is full are dropped.
func (h *Hub) Publish(snapshot *observability.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- snapshot:
		default:
			h.dropLocked(c)
			h.logger.Warn().Msg("dropping slow websocket client")
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan *observability.Snapshot, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Int("clients", n).Msg("websocket client connected")

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Run blocks until the context is cancelled, then disconnects all
// clients. Registration and broadcasting are lock-based; Run only owns
// shutdown.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for snapshot := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(snapshot); err != nil {
			h.remove(c)
			return
		}
	}
}

// readLoop discards inbound frames; it exists to observe close frames
// and connection loss.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked unregisters the client and closes its send channel, which
// ends the write loop. Callers hold h.mu.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}
