// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/relay/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendTaskError maps admission and backend failures onto HTTP responses.
func sendTaskError(c *gin.Context, err error) {
	var admErr *model.AdmissionError
	if errors.As(err, &admErr) {
		status, code := http.StatusInternalServerError, "ADMISSION_ERROR"
		switch admErr.Reason {
		case model.ReasonQueueFull:
			status, code = http.StatusTooManyRequests, "QUEUE_FULL"
		case model.ReasonDraining:
			status, code = http.StatusServiceUnavailable, "QUEUE_DRAINING"
		case model.ReasonTimeout:
			status, code = http.StatusGatewayTimeout, "ADMISSION_TIMEOUT"
		}
		c.JSON(status, ErrorResponse{
			Error: ErrorDetail{
				Code:    code,
				Message: admErr.Error(),
				Details: map[string]interface{}{"reason": string(admErr.Reason)},
			},
		})
		return
	}

	switch {
	case errors.Is(err, model.ErrBackendUnavailable):
		sendError(c, http.StatusBadGateway, "BACKEND_UNAVAILABLE", err.Error())
	case errors.Is(err, context.Canceled):
		// The caller went away; nobody is left to read a response.
		c.Abort()
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
