package types

import "errors"

// Domain error taxonomy. Callers match with errors.Is; the HTTP layer maps
// these onto status codes (401, 404, idempotent 200, 500).
var (
	// ErrUnauthorized covers bad or expired device credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound covers unknown devices and tasks.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a status transition that violates the task state
	// machine. It is absorbed as an idempotent no-op at the reporting
	// boundary, never surfaced to the device.
	ErrConflict = errors.New("conflicting state transition")

	// ErrNotDelivered means a push was requested but no open channel
	// existed for the device. The dispatcher rolls the claim back.
	ErrNotDelivered = errors.New("push not delivered")

	// ErrRetriesExhausted marks a task that failed with no retries left.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrUnsupportedTaskType rejects task types outside the closed set.
	ErrUnsupportedTaskType = errors.New("unsupported task type")
)
