// Package sandbox provides git-backed execution environments. A session is a
// checkout on its own branch; it can be paused, resumed and deleted
// independently of the stage machine that created it.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("sandbox not found")
	ErrPaused   = errors.New("sandbox is paused")
)

// State of a sandbox session.
type State string

// Sandbox states.
const (
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Params configures a new sandbox.
type Params struct {
	// Source is a repository URL or local path to clone.
	Source string
	// Branch is the working branch created in the checkout.
	Branch string
	// BaseBranch is checked out before branching; empty uses the source HEAD.
	BaseBranch string
}

// Session describes one sandbox.
type Session struct {
	CreatedAt  time.Time `yaml:"created_at"`
	ID         string    `yaml:"id"`
	Path       string    `yaml:"path"`
	Source     string    `yaml:"source"`
	Branch     string    `yaml:"branch"`
	BaseBranch string    `yaml:"base_branch"`
	BaseCommit string    `yaml:"base_commit"`
	State      State     `yaml:"state"`
}

// Provider creates and manages sandboxes.
type Provider interface {
	Create(ctx context.Context, params Params) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) (bool, error)
}
