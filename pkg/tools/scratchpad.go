package tools

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// ScratchpadTool records a free-form note in the stage state. The reviewer
// uses it to keep findings across its context-gathering loop.
type ScratchpadTool struct{}

// NewScratchpadTool creates a new scratchpad tool.
func NewScratchpadTool() *ScratchpadTool {
	return &ScratchpadTool{}
}

// Name returns the tool name.
func (t *ScratchpadTool) Name() string {
	return ToolScratchpad
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ScratchpadTool) PromptDocumentation() string {
	return `- **scratchpad** - Write a note to yourself
  - Parameters: note (string, REQUIRED)`
}

// Definition returns the tool definition for LLM.
func (t *ScratchpadTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolScratchpad,
		Description: "Record a note about what you found. Notes are shown to you again when you give your final verdict.",
		InputSchema: Object(map[string]*jsonschema.Schema{
			"note": String("The note to record"),
		}, "note"),
	}
}

// Exec executes the tool with the given arguments.
func (t *ScratchpadTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	note, err := stringArg(args, "note")
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		Content:    "note recorded",
		Status:     StatusSuccess,
		StatePatch: StatePatch{PatchScratchpad: note},
	}, nil
}
