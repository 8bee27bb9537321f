package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/tool"
)

const maxResponseBytes = 1 << 20

// HTTPPostRequest is the payload of an http-post task
type HTTPPostRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPPost posts a body and decodes the JSON response
type HTTPPost struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPPost creates an http-post tool
func NewHTTPPost(client *http.Client, logger *zap.Logger) *HTTPPost {
	return &HTTPPost{
		logger:     logger,
		httpClient: client,
	}
}

// NewHTTPPostFactory returns a loader factory for HTTPPost
func NewHTTPPostFactory(client *http.Client) tool.Factory {
	return func(logger *zap.Logger) (tool.Tool, error) {
		return NewHTTPPost(client, logger), nil
	}
}

// Execute implements tool.Tool
func (h *HTTPPost) Execute(ctx context.Context, c *tool.Context) (any, error) {
	var payload HTTPPostRequest
	if err := c.Task.DecodeData(&payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("missing url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewBufferString(payload.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Set(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("task_id", c.Task.ID),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response from %s is not JSON", payload.URL)
	}
	return json.RawMessage(body), nil
}
