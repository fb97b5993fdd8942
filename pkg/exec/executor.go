// Package exec provides the command execution abstraction sandbox tools run through.
package exec

import (
	"context"
	"time"
)

// Executor defines the interface for executing commands in different environments.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	// A non-zero exit code is not an error; callers check Result.ExitCode.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() string
}

// Opts contains options for command execution.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format).
	Env []string

	// Timeout is the maximum duration for command execution.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string
}

// Result contains the result of command execution.
type Result struct {
	Stdout       string
	Stderr       string
	ExecutorUsed string
	Duration     time.Duration
	ExitCode     int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// DefaultTimeout bounds a single tool command.
const DefaultTimeout = 5 * time.Minute

// DefaultExecOpts returns default execution options.
func DefaultExecOpts() Opts {
	return Opts{Timeout: DefaultTimeout}
}

// Shell runs script through sh -c in workDir.
func Shell(ctx context.Context, e Executor, workDir, script string, timeout time.Duration) (Result, error) {
	opts := DefaultExecOpts()
	opts.WorkDir = workDir
	if timeout > 0 {
		opts.Timeout = timeout
	}
	return e.Run(ctx, []string{"sh", "-c", script}, &opts)
}
