package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/remote-agent-terminal/relay/internal/model"
)

// MessageType represents the type of an enveloped WebSocket message.
type MessageType string

const (
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// Message is the envelope exchanged with browser connection managers.
// Relayed upstream payloads are not required to use it.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnState is the liveness state of a browser connection.
type ConnState int

const (
	ConnOpen ConnState = iota
	ConnClosing
	ConnClosed
)

// Forwarder relays browser-originated frames upstream. It reports whether
// the frame was written.
type Forwarder interface {
	Forward(frame model.Frame) bool
}

// Client represents one browser WebSocket connection.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan model.Frame
	limiter *rate.Limiter

	mu    sync.Mutex
	state ConnState
}

// NewClient creates a new client with a send buffer of bufferSize messages.
// A nil limiter lets every inbound frame through.
func NewClient(hub *Hub, conn *websocket.Conn, id string, bufferSize int, limiter *rate.Limiter) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan model.Frame, bufferSize),
		limiter: limiter,
	}
}

// Send queues a frame for the write pump. It returns false if the client is
// not open or its buffer is full; a full buffer closes the client.
func (c *Client) Send(frame model.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ConnOpen {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		// Buffer full, close the client
		c.closeLocked()
		return false
	}
}

// MarkClosing records that the connection is shutting down. Broadcasts treat
// a closing client as dead.
func (c *Client) MarkClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnOpen {
		c.state = ConnClosing
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.state == ConnClosed {
		return
	}
	c.state = ConnClosed
	close(c.send)
}

// State returns the client's liveness state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	return c.State() == ConnClosed
}

// ID returns the opaque connection identity.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan model.Frame {
	return c.send
}

// allow reports whether an inbound frame fits the client's rate limit.
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Hub is the registry of open browser connections.
type Hub struct {
	clients   map[*Client]bool
	forwarder Forwarder
	log       zerolog.Logger
	mu        sync.RWMutex
}

// NewHub creates a new, empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		log:     log,
	}
}

// SetForwarder sets where browser-originated payloads are relayed.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarder = f
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// Broadcast writes frame to every registered client and returns how many
// accepted it. Clients that are not open, or whose write fails, are
// deregistered before Broadcast returns.
func (h *Hub) Broadcast(frame model.Frame) int {
	var dead []*Client
	delivered := 0

	h.mu.RLock()
	for client := range h.clients {
		if client.State() != ConnOpen || !client.Send(frame) {
			dead = append(dead, client)
			continue
		}
		delivered++
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, client := range dead {
			delete(h.clients, client)
		}
		remaining := len(h.clients)
		h.mu.Unlock()

		for _, client := range dead {
			client.Close()
		}
		h.log.Warn().Int("pruned", len(dead)).Int("remaining", remaining).Msg("pruned dead connections")
	}
	return delivered
}

// Forward relays a frame from client upstream if the forwarder is open.
// Frames are never queued: if the upstream is down the frame is dropped.
func (h *Hub) Forward(client *Client, frame model.Frame) bool {
	h.mu.RLock()
	f := h.forwarder
	h.mu.RUnlock()

	if f == nil {
		return false
	}
	if !f.Forward(frame) {
		h.log.Debug().Str("conn", client.ID()).Msg("control message dropped; upstream not open")
		return false
	}
	return true
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
