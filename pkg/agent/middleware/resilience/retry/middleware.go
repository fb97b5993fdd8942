package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/llmerrors"
	"shipwright/pkg/logx"
)

// Middleware returns a middleware function that wraps an LLM client with retry logic.
// Retryable failures are retried with exponential backoff; once attempts are exhausted
// the last error is wrapped as ServiceUnavailable so the caller can fail over.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var (
					resp     llm.CompletionResponse
					lastErr  error
					attempts int
				)

				op := func() error {
					attempts++
					r, err := next.Complete(ctx, req)
					if err == nil {
						resp = r
						return nil
					}
					lastErr = err
					if !policy.ShouldRetry(err) {
						return backoff.Permanent(err)
					}
					return err
				}
				notify := func(err error, wait time.Duration) {
					if logger != nil {
						logger.Warn("🔁 retrying %s in %s after attempt %d: %v", next.GetModelName(), wait, attempts, err)
					}
				}

				err := backoff.RetryNotify(op, policy.NewBackOff(ctx), notify)
				if err == nil {
					return resp, nil
				}
				if ctx.Err() != nil {
					return llm.CompletionResponse{}, ctx.Err() //nolint:wrapcheck // pass through cancellation
				}
				if policy.ShouldRetry(lastErr) {
					return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, attempts)
				}
				return llm.CompletionResponse{}, lastErr
			},
			next.GetModelName,
		)
	}
}
