package classifier

import (
	"fmt"

	"shipwright/pkg/stage"
)

// Execution modes reported by RoutingError.
const (
	ModeLocal     = "local"
	ModeUntracked = "untracked"
	ModeTracked   = "tracked"
)

// RoutingError reports a route the current execution mode does not support.
type RoutingError struct {
	Route string
	Mode  string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route %q is not valid in %s mode", e.Route, e.Mode)
}

// Unwrap makes RoutingError match stage.ErrInvalidRoute.
func (e *RoutingError) Unwrap() error {
	return stage.ErrInvalidRoute
}
