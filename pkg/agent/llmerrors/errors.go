// Package llmerrors provides structured error classification for model transport failures.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents different categories of LLM errors for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content and no tool calls.
	ErrorTypeEmptyResponse

	// Non-retryable error types.

	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed request errors (too long, violates policy).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown

	// ErrorTypeServiceUnavailable is emitted once retries against one model are exhausted.
	// The model manager treats it as a signal to move on to the next fallback candidate.
	ErrorTypeServiceUnavailable
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Error represents a classified LLM error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Provider   string    // Provider that produced the error
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := "LLM error"
	if e.Provider != "" {
		prefix = e.Provider + " error"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s (%s): %s", prefix, e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", prefix, e.Type, e.Err)
	}
	return fmt.Sprintf("%s (%s): status %d", prefix, e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
// Everything is retryable unless it is explicitly excluded.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether err is a classified, retryable transport error.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return false
}

// NewError creates a new classified LLM error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a new classified LLM error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewEmptyResponseError is returned by transports when the model produced neither text nor tool calls.
func NewEmptyResponseError(provider string) *Error {
	return &Error{Type: ErrorTypeEmptyResponse, Provider: provider, Message: "response had no content and no tool calls"}
}

// FromStatus classifies a transport failure from its HTTP status code.
// A zero status falls back to inspecting the error text.
func FromStatus(provider string, status int, cause error) *Error {
	e := &Error{Provider: provider, StatusCode: status, Err: cause}
	switch {
	case status == http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Type = ErrorTypeAuth
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		e.Type = ErrorTypeBadPrompt
	case status >= http.StatusInternalServerError:
		e.Type = ErrorTypeTransient
	case status == 0:
		e.Type = classifyText(cause)
	default:
		e.Type = ErrorTypeUnknown
	}
	return e
}

func classifyText(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "temporar"):
		return ErrorTypeTransient
	case strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"):
		return ErrorTypeAuth
	default:
		return ErrorTypeUnknown
	}
}

// IsServiceUnavailable checks if the error indicates persistent service unavailability.
func IsServiceUnavailable(err error) bool {
	return Is(err, ErrorTypeServiceUnavailable)
}

// NewServiceUnavailableError wraps the last retryable error once retries are exhausted.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}
