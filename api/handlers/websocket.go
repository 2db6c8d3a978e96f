package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/ws"
)

// WebSocketHandler upgrades browser connections into the relay hub.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	log       zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
		log:       log,
	}
}

// Notifications handles WS /notifications.
func (h *WebSocketHandler) Notifications(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader has already written the failure response.
		h.log.Debug().Err(err).Str("correlation_id", getCorrelationID(c)).Msg("websocket upgrade failed")
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/notifications", h.Notifications)
}
