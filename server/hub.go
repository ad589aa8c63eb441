package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/protocol"
)

const writeWait = 5 * time.Second

// Client is one connected WebSocket control client.
type Client struct {
	ID   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// Send writes one JSON message to the client.
func (c *Client) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Hub tracks connected clients and fans session events out to them.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex

	lastStatus emv.Status
	statusMu   sync.RWMutex

	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With(slog.String("component", "hub")),
	}
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{ID: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Info("client connected", "client", c.ID, "remote", conn.RemoteAddr().String())
	return c
}

// Unregister removes a client connection.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()

	if ok {
		h.logger.Info("client disconnected", "client", c.ID)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes all client connections.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

// Broadcast sends a message to all connected clients. A client that cannot
// be written to is dropped.
func (h *Hub) Broadcast(msg protocol.WebSocketMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(msg); err != nil {
			h.logger.Warn("websocket write failed", "client", c.ID, "err", err)
			c.Close()
			h.Unregister(c)
		}
	}
}

// BroadcastEvent publishes a session event.
func (h *Hub) BroadcastEvent(ev emv.Event) {
	if sc, ok := ev.(emv.StatusChanged); ok {
		h.statusMu.Lock()
		h.lastStatus = sc.Status
		h.statusMu.Unlock()
	}
	h.Broadcast(protocol.WebSocketMessage{
		Type: protocol.WSTypeEvent,
		Payload: protocol.EventPayload{
			Type:  emv.EventType(ev),
			Event: ev,
		},
	})
}

// LastStatus returns the most recent reader status published.
func (h *Hub) LastStatus() emv.Status {
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	return h.lastStatus
}
