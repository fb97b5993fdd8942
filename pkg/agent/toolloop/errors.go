package toolloop

import "errors"

// Sentinel errors for forced tool calls.
var (
	// ErrNoTerminalTool indicates the model did not call the required tool.
	ErrNoTerminalTool = errors.New("no terminal tool was called")

	// ErrInvalidResult indicates the required tool was called with a malformed payload.
	ErrInvalidResult = errors.New("invalid tool result payload")
)
