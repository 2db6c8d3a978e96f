package ws

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/remote-agent-terminal/relay/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 8192
)

// HandlerConfig holds per-connection settings.
type HandlerConfig struct {
	// AllowedOrigins restricts the upgrade's Origin header; empty allows any.
	AllowedOrigins []string
	SendBufferSize int
	MaxMessageSize int64
	// ForwardRate is the per-connection limit on frames relayed upstream, in
	// frames per second. Zero disables limiting.
	ForwardRate  float64
	ForwardBurst int
}

// Handler upgrades browser requests and pumps frames between each
// connection and the hub.
type Handler struct {
	hub      *Hub
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, cfg HandlerConfig, log zerolog.Logger) *Handler {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	h := &Handler{
		hub: hub,
		cfg: cfg,
		log: log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleConnection upgrades the request, registers the connection with the
// hub and starts its pumps. The upgrade failure, if any, has already been
// answered on w when an error is returned.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if h.cfg.ForwardRate > 0 {
		burst := h.cfg.ForwardBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.ForwardRate), burst)
	}

	client := NewClient(h.hub, conn, uuid.New().String(), h.cfg.SendBufferSize, limiter)
	h.hub.Register(client)
	h.log.Debug().Str("conn", client.ID()).Int("clients", h.hub.ClientCount()).Msg("connection registered")

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// isPing reports whether a browser frame is the {"type":"ping"} keepalive.
func isPing(message []byte) bool {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return false
	}
	return msg.Type == MessageTypePing
}

// handlePing answers a keepalive locally.
func (h *Handler) handlePing(client *Client) {
	data, err := json.Marshal(&Message{Type: MessageTypePong})
	if err != nil {
		return
	}
	client.Send(model.Text(data))
}

// readPump relays frames from the connection upstream.
func (h *Handler) readPump(client *Client) {
	defer func() {
		client.MarkClosing()
		h.hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(h.cfg.MaxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("conn", client.ID()).Msg("websocket read error")
			}
			break
		}

		if messageType == websocket.TextMessage && isPing(message) {
			h.handlePing(client)
			continue
		}

		if !client.allow() {
			h.log.Debug().Str("conn", client.ID()).Msg("frame dropped; forward rate exceeded")
			continue
		}

		h.hub.Forward(client, model.Frame{Type: messageType, Data: message})
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case frame, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Each payload goes in its own frame, never coalesced, with the
			// message type it arrived with.
			if err := client.Conn().WriteMessage(frame.Type, frame.Data); err != nil {
				client.MarkClosing()
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				client.MarkClosing()
				return
			}
		}
	}
}
