package tools

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

const maxListedFiles = 500

// ListFilesTool lists files under a workspace directory, skipping VCS metadata.
type ListFilesTool struct {
	workspaceRoot string
}

// NewListFilesTool creates a new list_files tool.
func NewListFilesTool(workspaceRoot string) *ListFilesTool {
	return &ListFilesTool{workspaceRoot: workspaceRoot}
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string {
	return ToolListFiles
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ListFilesTool) PromptDocumentation() string {
	return `- **list_files** - List files under a directory
  - Parameters: path (string, optional, default "."), pattern (glob on the file name, optional)`
}

// Definition returns the tool definition for LLM.
func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List files in the workspace, optionally under a sub-directory and filtered by a file-name glob.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"path":    String("Directory relative to the workspace root. Defaults to the root."),
			"pattern": String("Glob matched against file names, e.g. *.go"),
		}),
	}
}

// Exec executes the tool with the given arguments.
func (t *ListFilesTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	dir := optionalString(args, "path")
	if dir == "" {
		dir = "."
	}
	pattern := optionalString(args, "pattern")

	base, err := resolvePath(t.workspaceRoot, dir)
	if err != nil {
		return Failure("%v", err), nil
	}

	var files []string
	walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(t.workspaceRoot, p)
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return Failure("cannot list %s: %v", dir, walkErr), nil
	}

	sort.Strings(files)
	truncated := len(files) > maxListedFiles
	if truncated {
		files = files[:maxListedFiles]
	}
	content := strings.Join(files, "\n")
	if truncated {
		content += "\n[listing truncated]"
	}
	if content == "" {
		content = "no files found"
	}
	return Success(content), nil
}
