package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Handlers groups every route handler served by the relay.
type Handlers struct {
	Session   *SessionHandler
	Tasks     *TaskHandler
	WebSocket *WebSocketHandler
	Health    *HealthHandler
	Admin     *AdminHandler
}

// RouterConfig holds the HTTP-facing settings of the router.
type RouterConfig struct {
	AllowedOrigins []string
	AdminToken     string
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(h Handlers, cfg RouterConfig, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	// Health is answered without touching the session store.
	h.Health.RegisterRoutes(&r.RouterGroup)

	api := r.Group("/")
	api.Use(h.Session.Middleware())
	{
		h.Session.RegisterRoutes(api)
		h.Tasks.RegisterRoutes(api)
		h.WebSocket.RegisterRoutes(api)
	}

	admin := r.Group("/")
	admin.Use(AdminAuth(cfg.AdminToken))
	{
		admin.GET("/admin/queues", h.Admin.ListQueues)
		admin.GET("/admin/queues/:caller", h.Admin.GetQueue)
		admin.DELETE("/admin/queues/:caller", h.Admin.EvictQueue)
		admin.GET("/debug/metrics", h.Admin.Metrics)
	}

	return r
}
