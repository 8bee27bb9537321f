package orchestrator

import "errors"

var (
	// ErrNoMatch is returned when no registered tool satisfies a task
	ErrNoMatch = errors.New("no tool matches task")

	// ErrAmbiguousMatch is returned when more than one registered tool satisfies a task
	ErrAmbiguousMatch = errors.New("ambiguous tool match")

	// ErrNoLookup is returned when a tool prefetches state but no data lookup is configured
	ErrNoLookup = errors.New("no data lookup configured")

	// ErrStopped is returned for work submitted after Stop
	ErrStopped = errors.New("orchestrator stopped")
)
