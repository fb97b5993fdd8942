package stage

import "errors"

// Structural errors that end a stage run. Everything else a stage can
// recover from is fed back to the model in-band.
var (
	ErrInvalidRoute       = errors.New("invalid route")
	ErrMissingUserMessage = errors.New("missing user message")
	ErrMissingSession     = errors.New("missing required session")
)
