package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/relay/internal/upstream"
)

// LinkStatus reports the upstream link state.
type LinkStatus interface {
	State() upstream.State
}

// ConnectionCounter reports how many browser connections are registered.
type ConnectionCounter interface {
	ClientCount() int
}

// HealthHandler reports relay health.
type HealthHandler struct {
	link   LinkStatus
	hub    ConnectionCounter
	queues func() int
}

// NewHealthHandler creates a new HealthHandler. queues may be nil.
func NewHealthHandler(link LinkStatus, hub ConnectionCounter, queues func() int) *HealthHandler {
	return &HealthHandler{link: link, hub: hub, queues: queues}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Upstream    string `json:"upstream"`
	Connections int    `json:"connections"`
	Queues      int    `json:"queues"`
}

// Health handles GET /health. A relay whose upstream is not open still
// answers 200 but reports itself degraded so callers can fall back.
func (h *HealthHandler) Health(c *gin.Context) {
	state := h.link.State()
	resp := HealthResponse{
		Status:      "ok",
		Upstream:    string(state),
		Connections: h.hub.ClientCount(),
	}
	if state != upstream.StateOpen {
		resp.Status = "degraded"
	}
	if h.queues != nil {
		resp.Queues = h.queues()
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
}
