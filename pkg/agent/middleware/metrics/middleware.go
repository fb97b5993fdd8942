package metrics

import (
	"context"
	"errors"
	"time"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/agent/middleware/resilience/circuit"
	"shipwright/pkg/config"
	"shipwright/pkg/logx"
	"shipwright/pkg/session"
	"shipwright/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor uses the provider-reported usage and falls back to a
// TikToken estimate when the provider reported none.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}

	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
		for _, tr := range req.Messages[i].ToolResults {
			promptText += tr.Content + "\n"
		}
	}
	promptTokens = utils.CountTokensSimple(promptText)
	completionTokens = utils.CountTokensSimple(resp.Content)
	return promptTokens, completionTokens
}

// Cost prices a request from the model catalogue. Unknown models cost nothing.
func Cost(model string, promptTokens, completionTokens int) float64 {
	info, ok := config.GetModelInfo(model)
	if !ok {
		return 0
	}
	return (float64(promptTokens)*info.InputCPM + float64(completionTokens)*info.OutputCPM) / 1_000_000
}

// Middleware returns a middleware that records latency, token usage, cost and
// error type for every call. The task kind and thread id are read from ctx.
func Middleware(recorder Recorder, provider string, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				observed := Request{
					Provider:         provider,
					Model:            model,
					TaskKind:         llm.TaskKindFrom(ctx),
					ThreadID:         session.ThreadIDFrom(ctx),
					ErrorType:        ErrorType(err),
					PromptTokens:     promptTokens,
					CompletionTokens: completionTokens,
					Cost:             Cost(model, promptTokens, completionTokens),
					Duration:         duration,
					Success:          err == nil,
				}
				recorder.ObserveRequest(observed)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("🎯 LLM Request: model=%s kind=%s thread=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, observed.TaskKind, observed.ThreadID, promptTokens, completionTokens,
						promptTokens+completionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// ErrorType classifies errors for metrics labeling.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, circuit.ErrOpen):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	return "unknown"
}
