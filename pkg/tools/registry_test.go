package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry(NewScratchpadTool(), NewDoneTool(), nil, NewMarkCompleteTool())

	assert.Equal(t, []string{ToolScratchpad, ToolDone, ToolMarkComplete}, reg.Names())
	assert.True(t, reg.Has(ToolDone))
	assert.False(t, reg.Has(ToolShell))

	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, ToolScratchpad, defs[0].Name)
	assert.Contains(t, reg.Documentation(), "**done**")
}

func TestRegistryWithoutAndWith(t *testing.T) {
	reg := NewRegistry(NewScratchpadTool(), NewDoneTool())

	smaller := reg.Without(ToolDone)
	assert.Equal(t, []string{ToolScratchpad}, smaller.Names())
	assert.True(t, reg.Has(ToolDone), "Without must not mutate the original")

	bigger := smaller.With(NewOpenPRTool())
	assert.Equal(t, []string{ToolScratchpad, ToolOpenPR}, bigger.Names())
}

func TestValidateArgsRendersSchema(t *testing.T) {
	def := NewMarkIncompleteTool().Definition()

	err := ValidateArgs(def, map[string]any{"review": "missing tests"})
	require.Error(t, err)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, ToolMarkIncomplete, schemaErr.Tool)
	assert.Contains(t, err.Error(), "Expected schema")
	assert.Contains(t, err.Error(), "additional_actions")

	assert.NoError(t, ValidateArgs(def, map[string]any{
		"review":             "missing tests",
		"additional_actions": []any{"add tests"},
	}))
}

func TestValidateArgsRejectsWrongEnum(t *testing.T) {
	err := ValidateArgs(NewNeedsContextTool().Definition(), map[string]any{"decision": "maybe"})
	var schemaErr *SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestSignalToolEchoesArgs(t *testing.T) {
	res, err := NewSessionPlanTool().Exec(context.Background(), map[string]any{
		"title": "Add retries",
		"plan":  []any{"one", "two"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.ProcessEffect)
	assert.Equal(t, ToolSessionPlan, res.ProcessEffect.Signal)
	assert.Equal(t, "Add retries", res.ProcessEffect.Data["title"])
	assert.False(t, res.IsError())
}

func TestSchemaMap(t *testing.T) {
	m := NewShellTool(nil, "", 0).Definition().SchemaMap()
	assert.Equal(t, "object", m["type"])
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "command")
	assert.Equal(t, []any{"command"}, m["required"])

	empty := ToolDefinition{Name: "x"}.SchemaMap()
	assert.Equal(t, map[string]any{}, empty["properties"])
}

func TestStringSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, StringSlice([]any{"a", 1, "b"}))
	assert.Equal(t, []string{"x"}, StringSlice([]string{"x"}))
	assert.Nil(t, StringSlice("nope"))
}
