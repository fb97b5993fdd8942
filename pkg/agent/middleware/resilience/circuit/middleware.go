package circuit

import (
	"context"

	"shipwright/pkg/agent/llm"
)

// Middleware returns a middleware function that wraps an LLM client with circuit breaker logic.
// If the breaker for the client's model is not closed, requests are rejected immediately
// without calling the underlying client.
func Middleware(registry *Registry) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				if !registry.IsClosed(model) {
					return llm.CompletionResponse{}, &Error{Model: model, State: registry.Get(model).GetState()}
				}

				resp, err := next.Complete(ctx, req)
				if err != nil {
					registry.RecordFailure(model)
				} else {
					registry.RecordSuccess(model)
				}
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
