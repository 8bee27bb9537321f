package tool

import "errors"

var (
	// ErrToolNotRegistered is returned when no factory exists for a tool name
	ErrToolNotRegistered = errors.New("tool not registered")

	// ErrLoadFailed wraps factory failures
	ErrLoadFailed = errors.New("failed to load tool")

	// ErrDependencyFailed is returned by Request when the child resolving a key failed
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrUnknownAlias is returned when a tool invokes a sub-tool it did not declare
	ErrUnknownAlias = errors.New("unknown tool alias")

	// ErrInvalidKey is returned when a state key cannot name a child task
	ErrInvalidKey = errors.New("invalid state key")
)
