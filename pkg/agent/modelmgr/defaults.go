package modelmgr

import (
	"os"

	"shipwright/pkg/config"
)

// defaultModels supplies the fallback model per provider and task kind. Routing
// and summarization use the cheap tier; everything else the capable tier.
//
//nolint:gochecknoglobals // static table
var defaultModels = map[string]map[config.TaskKind]string{
	config.ProviderAnthropic: {
		config.TaskRouter:     config.ModelClaudeHaiku35,
		config.TaskPlanner:    config.ModelClaudeSonnet4,
		config.TaskProgrammer: config.ModelClaudeSonnet4,
		config.TaskReviewer:   config.ModelClaudeSonnet4,
		config.TaskSummarizer: config.ModelClaudeHaiku35,
	},
	config.ProviderGoogle: {
		config.TaskRouter:     config.ModelGemini25Flash,
		config.TaskPlanner:    config.ModelGemini25Pro,
		config.TaskProgrammer: config.ModelGemini25Pro,
		config.TaskReviewer:   config.ModelGemini25Pro,
		config.TaskSummarizer: config.ModelGemini25Flash,
	},
	config.ProviderOpenAI: {
		config.TaskRouter:     config.ModelGPT4oMini,
		config.TaskPlanner:    config.ModelGPT5,
		config.TaskProgrammer: config.ModelGPT5,
		config.TaskReviewer:   config.ModelGPT5,
		config.TaskSummarizer: config.ModelGPT4oMini,
	},
	config.ProviderOllama: {
		config.TaskRouter:     config.DefaultLocalModel,
		config.TaskPlanner:    config.DefaultLocalModel,
		config.TaskProgrammer: config.DefaultLocalModel,
		config.TaskReviewer:   config.DefaultLocalModel,
		config.TaskSummarizer: config.DefaultLocalModel,
	},
}

// DefaultModel returns the fallback model for a provider and task kind.
func DefaultModel(provider string, kind config.TaskKind) (string, bool) {
	byKind, ok := defaultModels[provider]
	if !ok {
		return "", false
	}
	name, ok := byKind[kind]
	return name, ok
}

// Credential environment variables per provider. For Ollama the value is the host URL.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvGoogleKey    = "GOOGLE_API_KEY"
	EnvOllamaHost   = "OLLAMA_HOST"
)

// KeySource resolves the credential for a provider.
type KeySource func(provider string) (string, bool)

// EnvKeys reads provider credentials from the environment. Ollama needs no
// key, so it always succeeds with the host (possibly empty).
func EnvKeys(provider string) (string, bool) {
	switch provider {
	case config.ProviderAnthropic:
		return nonEmpty(os.Getenv(EnvAnthropicKey))
	case config.ProviderOpenAI:
		return nonEmpty(os.Getenv(EnvOpenAIKey))
	case config.ProviderGoogle:
		if key, ok := nonEmpty(os.Getenv(EnvGeminiKey)); ok {
			return key, true
		}
		return nonEmpty(os.Getenv(EnvGoogleKey))
	case config.ProviderOllama:
		return os.Getenv(EnvOllamaHost), true
	default:
		return "", false
	}
}

// SecretKeys reads provider credentials from s, which falls back to the
// environment per name.
func SecretKeys(s *config.Secrets) KeySource {
	return func(provider string) (string, bool) {
		switch provider {
		case config.ProviderAnthropic:
			return s.Get(EnvAnthropicKey)
		case config.ProviderOpenAI:
			return s.Get(EnvOpenAIKey)
		case config.ProviderGoogle:
			if key, ok := s.Get(EnvGeminiKey); ok {
				return key, true
			}
			return s.Get(EnvGoogleKey)
		case config.ProviderOllama:
			host, _ := s.Get(EnvOllamaHost)
			return host, true
		default:
			return "", false
		}
	}
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}
