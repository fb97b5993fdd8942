package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	execpkg "shipwright/pkg/exec"
)

// SearchTool greps the workspace for a regular expression.
type SearchTool struct {
	executor      execpkg.Executor
	workspaceRoot string
	outputLimit   int
}

// NewSearchTool creates a new search tool.
func NewSearchTool(executor execpkg.Executor, workspaceRoot string, outputLimit int) *SearchTool {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &SearchTool{executor: executor, workspaceRoot: workspaceRoot, outputLimit: outputLimit}
}

// Name returns the tool name.
func (t *SearchTool) Name() string {
	return ToolSearch
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *SearchTool) PromptDocumentation() string {
	return `- **search** - Search file contents with a regular expression
  - Parameters: query (string, REQUIRED), path (string, optional), include (file glob, optional)`
}

// Definition returns the tool definition for LLM.
func (t *SearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolSearch,
		Description: "Search file contents in the workspace using an extended regular expression. Returns matching lines with file and line number.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"query":   String("Extended regular expression to search for"),
			"path":    String("Directory to search, relative to the workspace root"),
			"include": String("Only search files matching this glob, e.g. *.go"),
		}, "query"),
	}
}

// Exec executes the tool with the given arguments.
func (t *SearchTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	dir := optionalString(args, "path")
	if dir == "" {
		dir = "."
	}
	if _, err := resolvePath(t.workspaceRoot, dir); err != nil {
		return Failure("%v", err), nil
	}

	cmd := []string{"grep", "-rnE", "--exclude-dir=.git"}
	if include := optionalString(args, "include"); include != "" {
		cmd = append(cmd, "--include="+include)
	}
	cmd = append(cmd, "--", query, dir)

	opts := execpkg.DefaultExecOpts()
	opts.WorkDir = t.workspaceRoot
	result, err := t.executor.Run(ctx, cmd, &opts)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	// grep exits 1 when nothing matched.
	switch result.ExitCode {
	case 0:
		return Success(truncate(strings.TrimRight(result.Stdout, "\n"), t.outputLimit)), nil
	case 1:
		return Success("no matches found"), nil
	default:
		return Failure("search failed: %s", strings.TrimSpace(result.Stderr)), nil
	}
}
