package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/tool"
)

// TrackURL is the EasyPost tracking endpoint
const TrackURL = "https://easypost.com/api/track"

// TrackRequest is the payload of a Shipping#Track task
type TrackRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

type easypostAccount struct {
	Key string `json:"key"`
}

// Track resolves a tracking number through EasyPost. It needs the requester's
// account (prefetched as "account"), then suspends twice: once for the encoded
// API key and once for the HTTP response.
type Track struct {
	logger   *zap.Logger
	endpoint string
}

// NewTrackFactory returns a loader factory for Track posting to endpoint
func NewTrackFactory(endpoint string) tool.Factory {
	return func(logger *zap.Logger) (tool.Tool, error) {
		return &Track{logger: logger, endpoint: endpoint}, nil
	}
}

// Execute implements tool.Tool
func (t *Track) Execute(ctx context.Context, c *tool.Context) (any, error) {
	var req TrackRequest
	if err := c.Task.DecodeData(&req); err != nil {
		return nil, fmt.Errorf("failed to decode tracking request: %w", err)
	}
	if req.TrackingNumber == "" {
		return nil, fmt.Errorf("missing tracking number")
	}

	var account easypostAccount
	if err := c.State.Decode("account", &account); err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}

	encode, err := c.Invoke("encodeBase64", account.Key+":")
	if err != nil {
		return nil, err
	}
	if err := c.Request(ctx, "encodedKey", encode); err != nil {
		return nil, err
	}

	var encodedKey string
	if err := c.State.Decode("encodedKey", &encodedKey); err != nil {
		return nil, err
	}

	post, err := c.Invoke("httpPost", HTTPPostRequest{
		URL: t.endpoint,
		Headers: map[string]string{
			"Authorization": "Basic " + encodedKey,
			"Content-Type":  "application/x-www-form-urlencoded",
		},
		Body: url.Values{"tracker[tracking_code]": {req.TrackingNumber}}.Encode(),
	})
	if err != nil {
		return nil, err
	}
	if err := c.Request(ctx, "response", post); err != nil {
		return nil, err
	}

	var response json.RawMessage
	if err := c.State.Decode("response", &response); err != nil {
		return nil, err
	}

	t.logger.Info("Shipment tracked",
		zap.String("task_id", c.Task.ID),
		zap.String("tracking_number", req.TrackingNumber))
	return response, nil
}
