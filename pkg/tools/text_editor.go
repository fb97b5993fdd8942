package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// TextEditorTool is the provider-native editor offered to Anthropic and OpenAI
// models. It follows the str_replace_based_edit_tool command set.
type TextEditorTool struct {
	read          *ReadFileTool
	workspaceRoot string
}

// NewTextEditorTool creates a new str_replace_based_edit_tool.
func NewTextEditorTool(workspaceRoot string) *TextEditorTool {
	return &TextEditorTool{workspaceRoot: workspaceRoot, read: NewReadFileTool(workspaceRoot, 0)}
}

// Name returns the tool name.
func (t *TextEditorTool) Name() string {
	return ToolTextEditor
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *TextEditorTool) PromptDocumentation() string {
	return `- **str_replace_based_edit_tool** - View and edit files
  - Commands: view, create, str_replace, insert`
}

// Definition returns the tool definition for LLM.
func (t *TextEditorTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolTextEditor,
		Description: "View, create and edit files. str_replace requires old_str to match exactly once; insert adds new_str after insert_line.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"command":     Enum("Editor command", "view", "create", "str_replace", "insert"),
			"path":        String("Path of the file relative to the workspace root"),
			"file_text":   String("Content for the create command"),
			"old_str":     String("Text to replace for str_replace"),
			"new_str":     String("Replacement text for str_replace or text to insert"),
			"insert_line": Integer("Line after which to insert (0 inserts at the top)"),
		}, "command", "path"),
	}
}

// Exec executes the tool with the given arguments.
func (t *TextEditorTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	full, err := resolvePath(t.workspaceRoot, path)
	if err != nil {
		return Failure("%v", err), nil
	}

	switch command {
	case "view":
		return t.read.Exec(ctx, map[string]any{"path": path})
	case "create":
		text, ok := args["file_text"].(string)
		if !ok {
			return nil, fmt.Errorf("file_text is required for create")
		}
		if err := writeFile(full, text); err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		return Success(fmt.Sprintf("created %s", path)), nil
	case "str_replace":
		oldStr, err := stringArg(args, "old_str")
		if err != nil {
			return nil, err
		}
		newStr, _ := args["new_str"].(string)
		return replaceOnce(full, path, oldStr, newStr)
	case "insert":
		return t.insert(full, path, args)
	default:
		return Failure("unknown command %q; use view, create, str_replace or insert", command), nil
	}
}

func (t *TextEditorTool) insert(full, path string, args map[string]any) (*ExecResult, error) {
	newStr, ok := args["new_str"].(string)
	if !ok {
		return nil, fmt.Errorf("new_str is required for insert")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Failure("file not found or not readable: %s", path), nil
	}
	lines := strings.Split(string(data), "\n")

	at := 0
	switch v := args["insert_line"].(type) {
	case float64:
		at = int(v)
	case int:
		at = v
	}
	if at < 0 || at > len(lines) {
		return Failure("insert_line %d is out of range (file has %d lines)", at, len(lines)), nil
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, newStr)
	out = append(out, lines[at:]...)
	if err := writeFile(full, strings.Join(out, "\n")); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", path, err)
	}
	return Success(fmt.Sprintf("inserted text after line %d of %s", at, path)), nil
}
