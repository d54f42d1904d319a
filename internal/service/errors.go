package service

import "errors"

// Common service errors - sentinel errors used across service implementations.
// These errors represent common conditions that callers may want to check for
// with errors.Is(). The API layer maps them to HTTP status codes.
var (
	// ErrTaskNotOwned indicates a task is owned by a different user than the
	// one making the request. API layer should map this to HTTP 404 so task
	// ids do not leak across users.
	ErrTaskNotOwned = errors.New("task is owned by another user")

	// ErrTaskNotActive indicates an operation that requires a PENDING or
	// PROCESSING task was attempted on a terminal one.
	// API layer should map this to HTTP 409 Conflict.
	ErrTaskNotActive = errors.New("task is already in a terminal state")
)
