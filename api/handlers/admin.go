package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/remote-agent-terminal/relay/internal/admission"
	"github.com/remote-agent-terminal/relay/internal/model"
	"github.com/remote-agent-terminal/relay/internal/telemetry"
)

// AdminHandler exposes admission queue state and collected metrics.
type AdminHandler struct {
	admission *admission.Manager
	telemetry *telemetry.Provider
	log       zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(admission *admission.Manager, telemetry *telemetry.Provider, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		admission: admission,
		telemetry: telemetry,
		log:       log,
	}
}

// ListQueues handles GET /admin/queues.
func (h *AdminHandler) ListQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": h.admission.Stats()})
}

// GetQueue handles GET /admin/queues/:caller.
func (h *AdminHandler) GetQueue(c *gin.Context) {
	caller := c.Param("caller")
	q := h.admission.Get(caller)
	if q == nil {
		sendError(c, http.StatusNotFound, "QUEUE_NOT_FOUND", "No queue for caller "+caller)
		return
	}
	c.JSON(http.StatusOK, q.Stats())
}

// EvictQueue handles DELETE /admin/queues/:caller.
func (h *AdminHandler) EvictQueue(c *gin.Context) {
	caller := c.Param("caller")
	err := h.admission.Evict(caller)
	switch {
	case err == nil:
		h.log.Info().Str("caller", caller).Msg("caller queue evicted")
		c.Status(http.StatusNoContent)
	case errors.Is(err, model.ErrQueueNotFound):
		sendError(c, http.StatusNotFound, "QUEUE_NOT_FOUND", "No queue for caller "+caller)
	case errors.Is(err, model.ErrQueueBusy):
		sendError(c, http.StatusConflict, "QUEUE_BUSY", "Queue for caller "+caller+" still has work")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// MetricPoint is one data point in a metrics snapshot.
type MetricPoint struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      *float64          `json:"value,omitempty"`
	Count      *uint64           `json:"count,omitempty"`
	Sum        *float64          `json:"sum,omitempty"`
}

// MetricSnapshot is one instrument in a metrics snapshot.
type MetricSnapshot struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Unit        string        `json:"unit,omitempty"`
	Points      []MetricPoint `json:"points"`
}

// Metrics handles GET /debug/metrics.
func (h *AdminHandler) Metrics(c *gin.Context) {
	if h.telemetry == nil || !h.telemetry.Enabled() {
		sendError(c, http.StatusNotFound, "TELEMETRY_DISABLED", "Telemetry is not enabled")
		return
	}
	rm, err := h.telemetry.Snapshot(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": flattenMetrics(rm)})
}

func flattenMetrics(rm *metricdata.ResourceMetrics) []MetricSnapshot {
	out := []MetricSnapshot{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			snap := MetricSnapshot{Name: m.Name, Description: m.Description, Unit: m.Unit, Points: []MetricPoint{}}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					v := float64(dp.Value)
					snap.Points = append(snap.Points, MetricPoint{Attributes: attrMap(dp.Attributes.ToSlice()), Value: &v})
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					v := dp.Value
					snap.Points = append(snap.Points, MetricPoint{Attributes: attrMap(dp.Attributes.ToSlice()), Value: &v})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					count, sum := dp.Count, dp.Sum
					snap.Points = append(snap.Points, MetricPoint{Attributes: attrMap(dp.Attributes.ToSlice()), Count: &count, Sum: &sum})
				}
			}
			out = append(out, snap)
		}
	}
	return out
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
