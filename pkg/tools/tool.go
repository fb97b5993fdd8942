// Package tools provides the uniform tool contract, per-stage registries and
// the concrete sandbox tools the stage machines hand to the model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is the capability interface every tool implements, whether it touches
// the sandbox, records a control signal or is a provider-native editor.
type Tool interface {
	// Name returns the tool identifier the model calls.
	Name() string

	// Definition returns the schema sent to the model.
	Definition() ToolDefinition

	// PromptDocumentation returns a short markdown description for prompts.
	PromptDocumentation() string

	// Exec runs the tool. A returned error is converted into an error result
	// by the executor; it never aborts sibling calls.
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	InputSchema *jsonschema.Schema `json:"input_schema"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
}

// SchemaMap returns the input schema as a generic JSON object, the shape most
// provider SDKs accept.
func (d ToolDefinition) SchemaMap() map[string]any {
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if d.InputSchema == nil {
		return out
	}
	data, err := json.Marshal(d.InputSchema)
	if err != nil {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return out
	}
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m
}

// Status is the outcome of one tool call.
type Status string

// Tool result statuses.
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// StatePatch carries auxiliary state a tool wants merged into the owning stage.
type StatePatch map[string]any

// Well-known state patch keys.
const (
	PatchDocumentCache         = "documentCache"
	PatchDependenciesInstalled = "dependencies_installed"
	PatchScratchpad            = "scratchpad"
)

// ProcessEffect signals a control decision to the owning stage.
type ProcessEffect struct {
	Data   map[string]any
	Signal string
}

// ExecResult is what a tool returns.
type ExecResult struct {
	StatePatch    StatePatch
	ProcessEffect *ProcessEffect
	Content       string
	Status        Status
}

// IsError reports whether the result is an error result.
func (r *ExecResult) IsError() bool {
	return r != nil && r.Status == StatusError
}

// Success creates a success result.
func Success(content string) *ExecResult {
	return &ExecResult{Content: content, Status: StatusSuccess}
}

// Failure creates an error result.
func Failure(format string, args ...any) *ExecResult {
	return &ExecResult{Content: fmt.Sprintf(format, args...), Status: StatusError}
}
