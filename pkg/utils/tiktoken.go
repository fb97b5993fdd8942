// Package utils provides token counting, identifier and map helpers.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for model-bound text.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter for the specified model. Every
// provider is approximated with the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// 4 chars ≈ 1 token
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit truncates text to roughly fit within limit tokens.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	currentTokens := tc.CountTokens(text)
	if currentTokens <= limit {
		return text
	}
	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

//nolint:gochecknoglobals // shared codec, construction is expensive
var (
	defaultCounterOnce sync.Once
	defaultCounter     *TokenCounter
)

// CountTokensSimple counts tokens with a shared GPT-4 counter.
func CountTokensSimple(text string) int {
	defaultCounterOnce.Do(func() {
		defaultCounter, _ = NewTokenCounter("gpt-4")
	})
	return defaultCounter.CountTokens(text)
}
