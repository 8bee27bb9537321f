package model

import "errors"

var (
	// ErrMissingTaskID is returned when a task document has no id
	ErrMissingTaskID = errors.New("task has no id")

	// ErrInvalidTaskID is returned when a task id cannot be mapped onto the store layout
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrTaskExists is returned when a task id is already taken in the store
	ErrTaskExists = errors.New("task already exists")
	// ErrEmptyPayload is returned when a task carries no data
	ErrEmptyPayload = errors.New("task has no data")

	// ErrStateKeyPending is returned when reading a state key whose child has not settled
	ErrStateKeyPending = errors.New("state key pending")

	// ErrStateKeyFailed is returned when reading a state key whose child failed
	ErrStateKeyFailed = errors.New("state key failed")
)
