package engine

import (
	"errors"

	"shipwright/pkg/persistence"
	"shipwright/pkg/stage"
)

// Structural errors surfaced to callers of the engine.
var (
	ErrInvalidRoute       = stage.ErrInvalidRoute
	ErrMissingUserMessage = stage.ErrMissingUserMessage
	ErrSessionNotFound    = persistence.ErrSessionNotFound

	// ErrResponseRejected is returned when a human response does not fit the
	// contract of the pending suspension.
	ErrResponseRejected = errors.New("response not accepted by pending suspension")
	// ErrNotSuspended is returned when resuming a session with no pending interrupt.
	ErrNotSuspended = errors.New("session is not waiting for a response")
	// ErrUnknownKind is returned for a stage kind with no registered builder.
	ErrUnknownKind = errors.New("no builder registered for stage kind")
)
