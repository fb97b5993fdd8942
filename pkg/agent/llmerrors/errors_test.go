package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		cause     error
		want      ErrorType
		retryable bool
	}{
		{"rate limit", 429, nil, ErrorTypeRateLimit, true},
		{"unauthorized", 401, nil, ErrorTypeAuth, false},
		{"forbidden", 403, nil, ErrorTypeAuth, false},
		{"bad request", 400, nil, ErrorTypeBadPrompt, false},
		{"server error", 503, nil, ErrorTypeTransient, true},
		{"network text", 0, errors.New("dial tcp: connection refused"), ErrorTypeTransient, true},
		{"quota text", 0, errors.New("Quota exceeded"), ErrorTypeRateLimit, true},
		{"opaque", 0, errors.New("boom"), ErrorTypeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus("anthropic", tt.status, tt.cause)
			assert.Equal(t, tt.want, err.Type)
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Contains(t, err.Error(), "anthropic error")
		})
	}
}

func TestTypeOfThroughWrapping(t *testing.T) {
	base := NewError(ErrorTypeRateLimit, "slow down")
	wrapped := fmt.Errorf("call failed: %w", base)

	assert.Equal(t, ErrorTypeRateLimit, TypeOf(wrapped))
	assert.True(t, Is(wrapped, ErrorTypeRateLimit))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrorTypeTransient, "x")))
	assert.False(t, IsRetryable(NewError(ErrorTypeAuth, "x")))
	assert.False(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestServiceUnavailable(t *testing.T) {
	cause := NewError(ErrorTypeTransient, "503")
	err := NewServiceUnavailableError(cause, 3)

	assert.True(t, IsServiceUnavailable(err))
	assert.False(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "3 attempts")
}
