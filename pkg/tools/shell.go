package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	execpkg "shipwright/pkg/exec"
)

// ShellTool runs a shell command inside the sandbox checkout.
type ShellTool struct {
	executor      execpkg.Executor
	workspaceRoot string
	outputLimit   int
}

// NewShellTool creates a new shell tool.
func NewShellTool(executor execpkg.Executor, workspaceRoot string, outputLimit int) *ShellTool {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &ShellTool{executor: executor, workspaceRoot: workspaceRoot, outputLimit: outputLimit}
}

// Name returns the tool name.
func (t *ShellTool) Name() string {
	return ToolShell
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ShellTool) PromptDocumentation() string {
	return `- **shell** - Run a shell command in the repository root
  - Parameters: command (string, REQUIRED), timeout_seconds (integer, optional)
  - A non-zero exit code is reported as an error result`
}

// Definition returns the tool definition for LLM.
func (t *ShellTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolShell,
		Description: "Run a shell command in the repository root and return its exit code and output.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"command":         String("The command to run, interpreted by sh -c"),
			"timeout_seconds": Integer("Optional timeout in seconds (default 300)"),
		}, "command"),
	}
}

// Exec executes the tool with the given arguments.
func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(intArgOrDefault(args, "timeout_seconds", int(execpkg.DefaultTimeout/time.Second))) * time.Second

	result, err := execpkg.Shell(ctx, t.executor, t.workspaceRoot, command, timeout)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", command, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "exit code: %d\n", result.ExitCode)
	if result.Stdout != "" {
		fmt.Fprintf(&sb, "stdout:\n%s\n", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&sb, "stderr:\n%s\n", result.Stderr)
	}
	content := truncate(sb.String(), t.outputLimit)
	if result.ExitCode != 0 {
		return &ExecResult{Content: content, Status: StatusError}, nil
	}
	return Success(content), nil
}
