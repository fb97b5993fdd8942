//go:build integration

package ollama

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/tools"
)

func ollamaHost() string {
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		return host
	}
	return DefaultHost
}

// TestIntegration_SimpleCompletion needs a running Ollama with the default local model.
// Run with: go test -tags=integration ./pkg/agent/internal/llmimpl/ollama/...
func TestIntegration_SimpleCompletion(t *testing.T) {
	client := NewOllamaClientWithModel(ollamaHost(), "")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewUserMessage("Say 'hello' and nothing else.")},
		MaxTokens:   50,
		Temperature: 0.1,
	})
	if err != nil {
		t.Skipf("Ollama not available at %s: %v", ollamaHost(), err)
	}
	require.NotEmpty(t, resp.Content)
}

func TestIntegration_ToolCalling(t *testing.T) {
	client := NewOllamaClientWithModel(ollamaHost(), "")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage("Use the get_weather tool when asked about weather."),
			llm.NewUserMessage("What's the weather like in San Francisco?"),
		},
		Tools: []tools.ToolDefinition{{
			Name:        "get_weather",
			Description: "Get the current weather for a location",
			InputSchema: tools.Object(map[string]*jsonschema.Schema{"location": tools.String("The city name")}, "location"),
		}},
		ToolChoice:  "get_weather",
		MaxTokens:   200,
		Temperature: 0.1,
	})
	if err != nil {
		t.Skipf("Ollama not available or error: %v", err)
	}

	if len(resp.ToolCalls) > 0 {
		assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)
	} else {
		assert.NotEmpty(t, resp.Content)
	}
}
