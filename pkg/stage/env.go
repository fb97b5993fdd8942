package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/agent/toolloop"
	"shipwright/pkg/config"
	execpkg "shipwright/pkg/exec"
	"shipwright/pkg/executor"
	"shipwright/pkg/sandbox"
	"shipwright/pkg/session"
	"shipwright/pkg/tools"
	"shipwright/pkg/tracker"
)

// SessionView reports the status of other stage sessions.
type SessionView interface {
	Status(ctx context.Context, threadID string) (session.Status, error)
}

// ModelResolver reports which model serves a task kind.
type ModelResolver interface {
	Resolve(kind config.TaskKind) (config.ModelConfig, error)
}

// Env is the shared, explicitly constructed environment every stage machine
// receives. The model invoker and its breaker table are process-wide.
type Env struct {
	Config    *config.Config
	Invoker   modelmgr.Invoker
	Models    ModelResolver
	Sandboxes sandbox.Provider
	Records   tracker.RecordStore
	Patches   tracker.PatchSubmitter
	Sessions  SessionView
	Exec      execpkg.Executor
	Observer  executor.ToolObserver
	Author    sandbox.Author
	// GitHubToken authenticates branch pushes; empty disables pushing.
	GitHubToken string
}

// Tracking reports whether tracking records should be written.
func (e *Env) Tracking() bool {
	return e.Records != nil && e.Config.Execution.TrackingEnabled
}

// Local reports whether the engine runs in local mode.
func (e *Env) Local() bool {
	return e.Config.Execution.LocalMode
}

// Provider returns the provider serving kind, or "" when unknown.
func (e *Env) Provider(kind config.TaskKind) string {
	if e.Models == nil {
		return ""
	}
	mc, err := e.Models.Resolve(kind)
	if err != nil {
		return ""
	}
	return mc.Provider
}

// Loop returns a ToolLoop for kind.
func (e *Env) Loop(kind config.TaskKind) *toolloop.ToolLoop {
	return toolloop.New(e.Invoker, kind, nil)
}

// Workbench returns the tool factory rooted at ws.
func (e *Env) Workbench(ws *sandbox.Workspace) tools.Workbench {
	return tools.Workbench{Exec: e.Exec, Root: ws.Root(), OutputLimit: e.Config.Limits.ToolOutputLimitBytes}
}

// Backpressure returns the loop bound for kind.
func (e *Env) Backpressure(kind config.TaskKind) executor.Backpressure {
	return executor.Backpressure{MaxActions: e.Config.MaxActionsFor(kind), Multiple: e.Config.Limits.BackpressureMultiple}
}

// FailureRouter returns the configured failure router.
func (e *Env) FailureRouter() executor.FailureRouter {
	return executor.FailureRouter{Window: e.Config.Limits.FailureWindow}
}

// CreateSandbox creates a sandbox for a new piece of work. An empty branch
// gets a random name.
func (e *Env) CreateSandbox(ctx context.Context, branch string) (*sandbox.Session, error) {
	if branch == "" {
		branch = uuid.NewString()[:8]
	}
	sess, err := e.Sandboxes.Create(ctx, sandbox.Params{
		Source:     e.Config.Sandbox.SourceRepo,
		Branch:     e.Config.Sandbox.BranchPrefix + branch,
		BaseBranch: e.Config.GitHub.BaseBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return sess, nil
}

// OpenWorkspace resumes the sandbox and opens its checkout.
func (e *Env) OpenWorkspace(ctx context.Context, sandboxID string) (*sandbox.Workspace, error) {
	if sandboxID == "" {
		return nil, fmt.Errorf("%w: sandbox", ErrMissingSession)
	}
	sess, err := e.Sandboxes.Resume(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("resume sandbox %s: %w", sandboxID, err)
	}
	ws, err := sandbox.Open(sess, e.Author)
	if err != nil {
		return nil, fmt.Errorf("open sandbox %s: %w", sandboxID, err)
	}
	return ws, nil
}

// diagnosisPrompt asks for a root-cause analysis of the failing results.
const diagnosisPrompt = `The last tool calls all failed:

%s

Diagnose the most likely root cause in a few sentences and say what to try next. Do not call tools.`

// Diagnose is the error-diagnosis detour: one model call over the recent
// failing results. The returned message is appended to the stage history.
func (e *Env) Diagnose(ctx context.Context, kind config.TaskKind, messages []llm.CompletionMessage, failures []llm.ToolResult) (llm.CompletionMessage, error) {
	var sb strings.Builder
	for _, f := range failures {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Name, truncate(f.Content, 1000))
	}
	prompt := append(append([]llm.CompletionMessage(nil), messages...), llm.NewUserMessage(fmt.Sprintf(diagnosisPrompt, sb.String())))
	text, err := e.Loop(kind).Complete(ctx, prompt)
	if err != nil {
		return llm.CompletionMessage{}, fmt.Errorf("diagnose errors: %w", err)
	}
	return llm.NewUserMessage("Diagnosis of the recent failures:\n" + text), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// AcknowledgeCalls builds tool results for calls a stage handles itself
// instead of executing, so every tool call in history has a result.
func AcknowledgeCalls(calls []llm.ToolCall, content string) llm.CompletionMessage {
	results := make([]llm.ToolResult, len(calls))
	for i, c := range calls {
		results[i] = llm.ToolResult{ToolCallID: c.ID, Name: c.Name, Content: content}
	}
	return llm.NewToolResultMessage(results)
}
