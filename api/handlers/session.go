package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/backend"
	"github.com/remote-agent-terminal/relay/internal/model"
	"github.com/remote-agent-terminal/relay/internal/session"
)

// HeaderUserID carries the caller identity asserted by the authenticating proxy.
const HeaderUserID = "X-User-Id"

const (
	ctxKeyUserID        = "userID"
	ctxKeySession       = "session"
	ctxKeyCorrelationID = "correlationID"
)

// SessionHandler resolves the browser session for every request and serves
// the current session.
type SessionHandler struct {
	sessionManager *session.Manager
	cookieName     string
	ttl            time.Duration
	secure         bool
	log            zerolog.Logger
}

// SessionConfig configures the session cookie.
type SessionConfig struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager, cfg SessionConfig, log zerolog.Logger) *SessionHandler {
	if cfg.CookieName == "" {
		cfg.CookieName = "relay_session"
	}
	return &SessionHandler{
		sessionManager: sessionManager,
		cookieName:     cfg.CookieName,
		ttl:            cfg.TTL,
		secure:         cfg.Secure,
		log:            log,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	CorrelationID string `json:"correlationId"`
	CreatedAt     string `json:"createdAt"`
	LastSeenAt    string `json:"lastSeenAt"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:            s.ID,
		UserID:        s.UserID,
		CorrelationID: s.CorrelationID,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		LastSeenAt:    s.LastSeenAt.Format(time.RFC3339),
	}
}

// Middleware binds the request to a browser session and a correlation id.
// An explicit x-correlation-id or x-request-id header wins over the id stored
// on the session; a request with neither gets a fresh one.
func (h *SessionHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(backend.HeaderCorrelationID)
		if correlationID == "" {
			correlationID = c.GetHeader(backend.HeaderRequestID)
		}

		cookie, _ := c.Cookie(h.cookieName)
		sess, created, err := h.sessionManager.Resolve(c.Request.Context(), cookie, c.GetHeader(HeaderUserID))
		switch {
		case err == nil:
			c.Set(ctxKeySession, sess)
			c.Set(ctxKeyUserID, sess.UserID)
			if created || cookie != sess.ID {
				c.SetSameSite(http.SameSiteLaxMode)
				c.SetCookie(h.cookieName, sess.ID, int(h.ttl.Seconds()), "/", "", h.secure, true)
			}
			if correlationID == "" {
				correlationID = sess.CorrelationID
			}
		case errors.Is(err, model.ErrUnauthorized):
			// Anonymous request; handlers that need a caller reject it.
		default:
			h.log.Error().Err(err).Msg("session lookup failed")
		}

		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set(ctxKeyCorrelationID, correlationID)
		c.Header(backend.HeaderCorrelationID, correlationID)

		c.Next()
	}
}

// getUserID extracts the caller identity bound by Middleware.
func getUserID(c *gin.Context) string {
	if userID, exists := c.Get(ctxKeyUserID); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}

// getCorrelationID returns the correlation id bound by Middleware.
func getCorrelationID(c *gin.Context) string {
	return c.GetString(ctxKeyCorrelationID)
}

// Current handles GET /session - returns the caller's session.
func (h *SessionHandler) Current(c *gin.Context) {
	v, ok := c.Get(ctxKeySession)
	if !ok {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "No caller identity")
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(v.(*model.Session)))
}

// List handles GET /sessions - returns every session held by the caller.
func (h *SessionHandler) List(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "No caller identity")
		return
	}

	sessions, err := h.sessionManager.List(c.Request.Context(), userID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	resp := make([]*SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

// Logout handles DELETE /session - ends the caller's session.
func (h *SessionHandler) Logout(c *gin.Context) {
	v, ok := c.Get(ctxKeySession)
	if !ok {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "No caller identity")
		return
	}
	sess := v.(*model.Session)
	if err := h.sessionManager.Delete(c.Request.Context(), sess.ID); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete session: "+err.Error())
		return
	}
	c.SetCookie(h.cookieName, "", -1, "/", "", h.secure, true)
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/session", h.Current)
	rg.GET("/sessions", h.List)
	rg.DELETE("/session", h.Logout)
}
