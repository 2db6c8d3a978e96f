package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/admission"
	"github.com/remote-agent-terminal/relay/internal/backend"
)

const (
	HeaderAdmissionQueued = "X-Admission-Queued"
	HeaderAdmissionWaitMs = "X-Admission-Wait-Ms"

	maxTaskBodyBytes = 1 << 20
)

// TaskBackend is the downstream task processor.
type TaskBackend interface {
	CreateTask(ctx context.Context, body []byte, contentType, correlationID string) (*backend.Response, error)
	GetTask(ctx context.Context, id, correlationID string) (*backend.Response, error)
}

// TaskHandler proxies task calls to the backend, gating creation per caller.
type TaskHandler struct {
	admission *admission.Manager
	backend   TaskBackend
	log       zerolog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(admission *admission.Manager, backend TaskBackend, log zerolog.Logger) *TaskHandler {
	return &TaskHandler{
		admission: admission,
		backend:   backend,
		log:       log,
	}
}

// Create handles POST /tasks - admits the call under the caller's queue and
// relays the backend's status and body verbatim.
func (h *TaskHandler) Create(c *gin.Context) {
	userID := getUserID(c)
	if userID == "" {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "No caller identity")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxTaskBodyBytes))
	if err != nil {
		sendError(c, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	contentType := c.ContentType()
	correlationID := getCorrelationID(c)

	out, err := h.admission.Submit(c.Request.Context(), userID, func(ctx context.Context) (interface{}, error) {
		return h.backend.CreateTask(ctx, body, contentType, correlationID)
	})
	if err != nil {
		h.log.Warn().Err(err).Str("user", userID).Str("correlation_id", correlationID).Msg("task creation failed")
		sendTaskError(c, err)
		return
	}

	resp := out.Value.(*backend.Response)
	c.Header(HeaderAdmissionQueued, strconv.FormatBool(out.Queued))
	c.Header(HeaderAdmissionWaitMs, strconv.FormatInt(out.Waited.Milliseconds(), 10))
	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}

// Get handles GET /tasks/:id - status lookups bypass admission control.
func (h *TaskHandler) Get(c *gin.Context) {
	resp, err := h.backend.GetTask(c.Request.Context(), c.Param("id"), getCorrelationID(c))
	if err != nil {
		sendTaskError(c, err)
		return
	}
	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}

// RegisterRoutes registers the task handler routes on a Gin router group.
func (h *TaskHandler) RegisterRoutes(rg *gin.RouterGroup) {
	tasks := rg.Group("/tasks")
	{
		tasks.POST("", h.Create)
		tasks.GET("/:id", h.Get)
	}
}
