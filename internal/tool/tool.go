// Package tool defines executable tool handlers, the loader that resolves them
// by name, and the execution context a handler runs against.
package tool

import (
	"context"

	"go.uber.org/zap"
)

// Tool is the executable half of a registered capability. Execute returns the
// task result, a *Suspension when a dependency is missing, or a fatal error.
type Tool interface {
	Execute(ctx context.Context, c *Context) (any, error)
}

// Func adapts a plain function to the Tool interface
type Func func(ctx context.Context, c *Context) (any, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, c *Context) (any, error) {
	return f(ctx, c)
}

// Factory instantiates a tool. It is called at most once per successful load.
type Factory func(logger *zap.Logger) (Tool, error)

// Static returns a factory that always yields t
func Static(t Tool) Factory {
	return func(*zap.Logger) (Tool, error) {
		return t, nil
	}
}
