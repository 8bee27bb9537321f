package handler

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/t77yq/animus/internal/tool"
)

// EncodeBase64 encodes the string payload of its task
type EncodeBase64 struct{}

// Execute implements tool.Tool
func (EncodeBase64) Execute(ctx context.Context, c *tool.Context) (any, error) {
	var input string
	if err := c.Task.DecodeData(&input); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(input)), nil
}
