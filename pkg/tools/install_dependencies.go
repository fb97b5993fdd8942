package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	execpkg "shipwright/pkg/exec"
)

const installTimeout = 10 * time.Minute

// InstallDependenciesTool runs the project's dependency install command once.
// A successful run reports dependencies_installed through its state patch.
type InstallDependenciesTool struct {
	executor      execpkg.Executor
	workspaceRoot string
	outputLimit   int
}

// NewInstallDependenciesTool creates a new install_dependencies tool.
func NewInstallDependenciesTool(executor execpkg.Executor, workspaceRoot string, outputLimit int) *InstallDependenciesTool {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &InstallDependenciesTool{executor: executor, workspaceRoot: workspaceRoot, outputLimit: outputLimit}
}

// Name returns the tool name.
func (t *InstallDependenciesTool) Name() string {
	return ToolInstallDependencies
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *InstallDependenciesTool) PromptDocumentation() string {
	return `- **install_dependencies** - Install the project's dependencies
  - Parameters: command (string, REQUIRED), e.g. "go mod download" or "npm ci"
  - Call at most once; the tool is withdrawn after a successful install`
}

// Definition returns the tool definition for LLM.
func (t *InstallDependenciesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolInstallDependencies,
		Description: "Install the repository's dependencies with the given command. Only needs to succeed once per run.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"command": String("The install command, e.g. go mod download, npm ci, pip install -r requirements.txt"),
		}, "command"),
	}
}

// Exec executes the tool with the given arguments.
func (t *InstallDependenciesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	result, err := execpkg.Shell(ctx, t.executor, t.workspaceRoot, command, installTimeout)
	if err != nil {
		return nil, fmt.Errorf("install dependencies: %w", err)
	}
	output := truncate(strings.TrimSpace(result.Combined()), t.outputLimit)
	if result.ExitCode != 0 {
		return Failure("dependency install failed with exit code %d:\n%s", result.ExitCode, output), nil
	}
	return &ExecResult{
		Content:    "dependencies installed successfully\n" + output,
		Status:     StatusSuccess,
		StatePatch: StatePatch{PatchDependenciesInstalled: true},
	}, nil
}
