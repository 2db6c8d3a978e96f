// Package backend is the relay's HTTP client for the downstream task
// processor. Task bodies are opaque: requests and responses pass through
// unchanged apart from the correlation headers.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/model"
)

const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderRequestID     = "X-Request-Id"

	// maxBodyBytes caps how much of a backend response is buffered.
	maxBodyBytes = 10 << 20
)

// Response is a backend reply relayed to the caller verbatim.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Client calls the task processor.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a client for baseURL. A zero timeout leaves requests bounded
// only by their context.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// CreateTask posts body to /tasks.
func (c *Client) CreateTask(ctx context.Context, body []byte, contentType, correlationID string) (*Response, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	return c.do(ctx, http.MethodPost, "/tasks", body, contentType, correlationID)
}

// GetTask fetches /tasks/{id}.
func (c *Client) GetTask(ctx context.Context, id, correlationID string) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, "", correlationID)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType, correlationID string) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if correlationID != "" {
		req.Header.Set(HeaderCorrelationID, correlationID)
		req.Header.Set(HeaderRequestID, correlationID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("method", method).Str("path", path).Str("correlation_id", correlationID).Msg("backend request failed")
		return nil, fmt.Errorf("%w: %s %s: %v", model.ErrBackendUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %v", model.ErrBackendUnavailable, method, path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("correlation_id", correlationID).
		Msg("backend request")

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
