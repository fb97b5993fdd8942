package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ReadFileTool reads file contents from the workspace and reports them back
// through the documentCache state patch.
type ReadFileTool struct {
	workspaceRoot string
	maxSizeBytes  int64
}

// NewReadFileTool creates a new read_file tool.
func NewReadFileTool(workspaceRoot string, maxSizeBytes int64) *ReadFileTool {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 1048576
	}
	return &ReadFileTool{workspaceRoot: workspaceRoot, maxSizeBytes: maxSizeBytes}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ReadFileTool) PromptDocumentation() string {
	return `- **read_file** - Read contents of a file from the workspace
  - Parameters: path (string, REQUIRED), offset (integer, optional), limit (integer, optional)
  - Output uses numbered lines (cat -n format)`
}

// Definition returns the tool definition for LLM.
func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the workspace. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"path":   String("Relative path to file within workspace"),
			"offset": Integer("Line number to start reading from (1-based). Defaults to 1."),
			"limit":  Integer("Number of lines to read. Defaults to 2000."),
		}, "path"),
	}
}

// Exec executes the tool with the given arguments.
func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	full, err := resolvePath(t.workspaceRoot, path)
	if err != nil {
		return Failure("%v", err), nil
	}

	info, err := os.Stat(full)
	if err != nil {
		return Failure("file not found or not readable: %s", path), nil
	}
	if info.IsDir() {
		return Failure("%s is a directory; use list_files", path), nil
	}
	if info.Size() > t.maxSizeBytes {
		return Failure("%s is %d bytes, above the %d byte limit; use search or shell instead", path, info.Size(), t.maxSizeBytes), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	offset := intArgOrDefault(args, "offset", 1)
	limit := intArgOrDefault(args, "limit", defaultReadLines)
	lines := strings.Split(string(data), "\n")

	var sb strings.Builder
	for i := offset - 1; i < len(lines) && i < offset-1+limit; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, line)
	}
	if offset-1+limit < len(lines) {
		fmt.Fprintf(&sb, "\n[showing lines %d-%d of %d]\n", offset, offset-1+limit, len(lines))
	}

	return &ExecResult{
		Content:    sb.String(),
		Status:     StatusSuccess,
		StatePatch: StatePatch{PatchDocumentCache: map[string]string{path: string(data)}},
	}, nil
}
