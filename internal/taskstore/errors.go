package taskstore

import (
	"errors"

	"github.com/t77yq/animus/internal/model"
)

var (
	// ErrTaskNotFound is returned when no task document exists for an id
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoArtifact is returned when a task has no result or error artifact yet
	ErrNoArtifact = errors.New("task has no artifact")

	// ErrTaskExists is returned by Add when the id already has a task document
	ErrTaskExists = model.ErrTaskExists

	// ErrIDMismatch is returned when a task document's id disagrees with its location
	ErrIDMismatch = errors.New("task id does not match its location")
)
