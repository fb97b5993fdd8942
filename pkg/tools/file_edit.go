package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// FileEditTool performs targeted string replacements in files.
type FileEditTool struct {
	workspaceRoot string
}

// NewFileEditTool creates a new file_edit tool.
func NewFileEditTool(workspaceRoot string) *FileEditTool {
	return &FileEditTool{workspaceRoot: workspaceRoot}
}

// Name returns the tool name.
func (t *FileEditTool) Name() string {
	return ToolFileEdit
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *FileEditTool) PromptDocumentation() string {
	return `- **file_edit** - Replace a specific string in a file with new content
  - Parameters: path (string, REQUIRED), old_string (string, REQUIRED), new_string (string, REQUIRED)
  - old_string must match exactly one location in the file`
}

// Definition returns the tool definition for LLM.
func (t *FileEditTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolFileEdit,
		Description: "Replace an exact string match in a file with new content. The old_string must appear exactly once in the file.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"path":       String("Relative path to file within workspace"),
			"old_string": String("The exact string to find in the file. Must match exactly one location."),
			"new_string": String("The replacement string. Use empty string to delete the matched text."),
		}, "path", "old_string", "new_string"),
	}
}

// Exec executes the tool with the given arguments.
func (t *FileEditTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	oldString, err := stringArg(args, "old_string")
	if err != nil {
		return nil, err
	}
	newString, ok := args["new_string"].(string)
	if !ok {
		return nil, fmt.Errorf("new_string is required and must be a string")
	}
	full, err := resolvePath(t.workspaceRoot, path)
	if err != nil {
		return Failure("%v", err), nil
	}
	return replaceOnce(full, path, oldString, newString)
}

// replaceOnce swaps the single occurrence of oldString for newString.
func replaceOnce(full, path, oldString, newString string) (*ExecResult, error) {
	data, err := os.ReadFile(full)
	if err != nil {
		return Failure("file not found or not readable: %s", path), nil
	}
	content := string(data)

	switch count := strings.Count(content, oldString); count {
	case 0:
		return Failure("old_string not found in %s. Make sure it matches the file content exactly, including whitespace and indentation.", path), nil
	case 1:
	default:
		return Failure("old_string matches %d locations in %s. It must match exactly once. Include more surrounding context to make it unique.", count, path), nil
	}

	updated := strings.Replace(content, oldString, newString, 1)
	if err := writeFile(full, updated); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return Success(fmt.Sprintf("edited %s", path)), nil
}

func writeFile(full, content string) error {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err //nolint:wrapcheck // wrapped by caller
	}
	return os.WriteFile(full, []byte(content), 0o644) //nolint:gosec,wrapcheck // checked-in source files are world-readable
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct {
	workspaceRoot string
}

// NewWriteFileTool creates a new write_file tool.
func NewWriteFileTool(workspaceRoot string) *WriteFileTool {
	return &WriteFileTool{workspaceRoot: workspaceRoot}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string {
	return ToolWriteFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *WriteFileTool) PromptDocumentation() string {
	return `- **write_file** - Create or overwrite a file
  - Parameters: path (string, REQUIRED), content (string, REQUIRED)`
}

// Definition returns the tool definition for LLM.
func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWriteFile,
		Description: "Create a file, or overwrite it entirely, with the given content. Parent directories are created as needed.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"path":    String("Relative path to file within workspace"),
			"content": String("Full file content"),
		}, "path", "content"),
	}
}

// Exec executes the tool with the given arguments.
func (t *WriteFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required and must be a string")
	}
	full, err := resolvePath(t.workspaceRoot, path)
	if err != nil {
		return Failure("%v", err), nil
	}
	if err := writeFile(full, content); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return Success(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}
