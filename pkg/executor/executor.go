// Package executor dispatches the tool calls of one model turn against the
// sandbox and applies the stage's mutation policy to whatever they changed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/logx"
	"shipwright/pkg/tools"
)

// Policy decides what happens to workspace changes after a batch.
type Policy int

const (
	// PolicyReadOnly reverts any change and warns the model.
	PolicyReadOnly Policy = iota
	// PolicyMutating commits any change to the sandbox branch.
	PolicyMutating
)

func (p Policy) String() string {
	if p == PolicyReadOnly {
		return "read-only"
	}
	return "mutating"
}

// ReadOnlyWarning prefixes the note appended to every result of a batch
// whose changes were reverted.
const ReadOnlyWarning = "WARNING: this phase is read-only. Workspace changes were reverted"

// Workspace is the git-backed checkout the executor inspects after a batch.
type Workspace interface {
	DirtyFiles() ([]string, error)
	Revert() error
	Commit(message string) (hash string, committed bool, err error)
}

// IgnoredTracker is implemented by workspaces that can also watch files
// their .gitignore hides. The read-only policy starts tracking before each
// batch.
type IgnoredTracker interface {
	TrackIgnored() error
}

// CommitHook runs after a batch produced a commit. first is true for the
// first commit this executor made.
type CommitHook func(ctx context.Context, hash string, first bool) error

// ToolObserver records per-tool outcomes.
type ToolObserver interface {
	ObserveToolExecution(tool, status string, duration time.Duration)
}

// Config configures an Executor.
type Config struct {
	Registry  *tools.Registry
	Workspace Workspace
	Observer  ToolObserver
	OnCommit  CommitHook
	Logger    *logx.Logger
	Policy    Policy
	// MaxParallel bounds concurrent tool calls; zero means unbounded.
	MaxParallel int
}

// Executor runs batches of tool calls for one stage.
type Executor struct {
	cfg     Config
	logger  *logx.Logger
	commits int
}

// New creates an executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger("executor")
	}
	return &Executor{cfg: cfg, logger: logger}
}

// Registry returns the tool registry the executor dispatches to.
func (e *Executor) Registry() *tools.Registry { return e.cfg.Registry }

// SetCommitCount seeds the commit counter when a stage resumes.
func (e *Executor) SetCommitCount(n int) { e.commits = n }

// CommitCount returns the number of commits made so far.
func (e *Executor) CommitCount() int { return e.commits }

// Outcome is the result of one batch.
type Outcome struct {
	StatePatch tools.StatePatch
	Effects    []Effect
	Results    []llm.ToolResult
	Reverted   []string
	CommitHash string
}

// Effect is a control signal raised by a tool in the batch.
type Effect struct {
	Data     map[string]any
	Signal   string
	ToolCall string
}

// Errors reports how many results in the batch are errors.
func (o *Outcome) Errors() int {
	n := 0
	for i := range o.Results {
		if o.Results[i].IsError {
			n++
		}
	}
	return n
}

// Effect returns the first effect with the given signal.
func (o *Outcome) Effect(signal string) (Effect, bool) {
	for _, eff := range o.Effects {
		if eff.Signal == signal {
			return eff, true
		}
	}
	return Effect{}, false
}

type callResult struct {
	exec     *tools.ExecResult
	duration time.Duration
}

// Execute dispatches calls concurrently and waits for all of them. Tool
// failures become error results; the returned error is reserved for
// workspace failures the stage cannot recover from.
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall) (*Outcome, error) {
	out := &Outcome{Results: make([]llm.ToolResult, len(calls))}
	if len(calls) == 0 {
		return out, nil
	}

	if tracker, ok := e.cfg.Workspace.(IgnoredTracker); ok && e.cfg.Policy == PolicyReadOnly {
		if err := tracker.TrackIgnored(); err != nil {
			return nil, fmt.Errorf("inspect workspace: %w", err)
		}
	}

	results := make([]callResult, len(calls))
	var g errgroup.Group
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}
	for i := range calls {
		g.Go(func() error {
			start := time.Now()
			results[i] = callResult{exec: e.invoke(ctx, calls[i]), duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		res := results[i].exec
		out.Results[i] = llm.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.Content,
			IsError:    res.IsError(),
		}
		if len(res.StatePatch) > 0 {
			if out.StatePatch == nil {
				out.StatePatch = tools.StatePatch{}
			}
			MergePatch(out.StatePatch, res.StatePatch)
		}
		if res.ProcessEffect != nil {
			out.Effects = append(out.Effects, Effect{
				Signal:   res.ProcessEffect.Signal,
				Data:     res.ProcessEffect.Data,
				ToolCall: call.ID,
			})
		}
		if e.cfg.Observer != nil {
			e.cfg.Observer.ObserveToolExecution(call.Name, string(res.Status), results[i].duration)
		}
		if res.IsError() {
			e.logger.Warn("❌ tool %s failed after %.3fs", call.Name, results[i].duration.Seconds())
		} else {
			e.logger.Debug("tool %s completed in %.3fs", call.Name, results[i].duration.Seconds())
		}
	}

	if e.cfg.Workspace == nil {
		return out, nil
	}
	if err := e.applyPolicy(ctx, calls, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) invoke(ctx context.Context, call llm.ToolCall) (res *tools.ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())
			res = tools.Failure("Tool failed: %v", r)
		}
	}()

	tool, ok := e.cfg.Registry.Get(call.Name)
	if !ok {
		err := &tools.UnknownToolError{Name: call.Name, Available: e.cfg.Registry.Names()}
		return tools.Failure("Tool failed: %v", err)
	}
	if err := tools.ValidateArgs(tool.Definition(), call.Parameters); err != nil {
		return tools.Failure("%s", renderError(err))
	}
	result, err := tool.Exec(ctx, call.Parameters)
	if err != nil {
		return tools.Failure("%s", renderError(err))
	}
	if result == nil {
		return tools.Success("")
	}
	if result.Status == "" {
		result.Status = tools.StatusSuccess
	}
	return result
}

// renderError formats a tool error for the model. Schema errors keep their
// expected schema; everything else is reduced to its message.
func renderError(err error) string {
	var schemaErr *tools.SchemaError
	if errors.As(err, &schemaErr) {
		return schemaErr.Error()
	}
	return fmt.Sprintf("Tool failed: %v", err)
}

func (e *Executor) applyPolicy(ctx context.Context, calls []llm.ToolCall, out *Outcome) error {
	dirty, err := e.cfg.Workspace.DirtyFiles()
	if err != nil {
		return fmt.Errorf("inspect workspace: %w", err)
	}
	if len(dirty) == 0 {
		return nil
	}

	switch e.cfg.Policy {
	case PolicyReadOnly:
		if err := e.cfg.Workspace.Revert(); err != nil {
			return fmt.Errorf("revert read-only changes: %w", err)
		}
		out.Reverted = dirty
		warning := fmt.Sprintf("\n\n%s: %s. Do not modify files in this phase.", ReadOnlyWarning, strings.Join(dirty, ", "))
		for i := range out.Results {
			out.Results[i].Content += warning
		}
		e.logger.Warn("↩️  reverted %d file(s) changed during read-only phase", len(dirty))
	case PolicyMutating:
		hash, committed, err := e.cfg.Workspace.Commit(commitMessage(calls))
		if err != nil {
			return fmt.Errorf("commit changes: %w", err)
		}
		if !committed {
			return nil
		}
		e.commits++
		out.CommitHash = hash
		e.logger.Info("💾 committed %d file(s) as %s", len(dirty), shortHash(hash))
		if e.cfg.OnCommit != nil {
			if err := e.cfg.OnCommit(ctx, hash, e.commits == 1); err != nil {
				e.logger.Warn("commit hook failed: %v", err)
			}
		}
	}
	return nil
}

func commitMessage(calls []llm.ToolCall) string {
	names := make([]string, 0, len(calls))
	seen := map[string]bool{}
	for _, c := range calls {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return "shipwright: apply changes from " + strings.Join(names, ", ")
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
