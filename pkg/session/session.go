// Package session holds the identifiers and status values shared by every stage machine.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Session identifies one resumable stage-machine execution.
type Session struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// New creates a session with fresh thread and run ids.
func New() Session {
	return Session{ThreadID: uuid.NewString(), RunID: uuid.NewString()}
}

// NewRun keeps the thread and starts a new run on it.
func (s Session) NewRun() Session {
	return Session{ThreadID: s.ThreadID, RunID: uuid.NewString()}
}

// IsZero reports whether the session is unset.
func (s Session) IsZero() bool {
	return s.ThreadID == ""
}

func (s Session) String() string {
	if s.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s/%s", s.ThreadID, s.RunID)
}

// Status is the externally visible state of a session.
type Status string

// Session status values.
const (
	StatusNotStarted  Status = "not_started"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
)

// IsTerminal reports whether no further work will happen without a new run.
func (s Status) IsTerminal() bool {
	return s == StatusIdle || s == StatusError
}

type ctxKey struct{}

// WithThreadID tags ctx with the thread id of the stage currently executing.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, threadID)
}

// ThreadIDFrom returns the thread id stored by WithThreadID, or "".
func ThreadIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
