// Package config provides configuration loading and the model catalogue.
package config

import (
	"fmt"
	"strings"
	"time"

	"shipwright/pkg/logx"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Task kinds select which model configuration a call uses.
type TaskKind string

const (
	TaskRouter     TaskKind = "router"
	TaskPlanner    TaskKind = "planner"
	TaskProgrammer TaskKind = "programmer"
	TaskReviewer   TaskKind = "reviewer"
	TaskSummarizer TaskKind = "summarizer"
)

// AllTaskKinds lists every task kind in a stable order.
func AllTaskKinds() []TaskKind {
	return []TaskKind{TaskRouter, TaskPlanner, TaskProgrammer, TaskReviewer, TaskSummarizer}
}

// Model name constants.
const (
	ModelClaudeSonnet4      = "claude-sonnet-4-5"
	ModelClaudeSonnet4Old   = "claude-sonnet-4-20250514"
	ModelClaudeHaiku35      = "claude-3-5-haiku-latest"
	ModelClaudeOpus45       = "claude-opus-4-5"
	ModelClaudeSonnetLatest = ModelClaudeSonnet4
	ModelGPT4o              = "gpt-4o"
	ModelGPT4oMini          = "gpt-4o-mini"
	ModelGPT5               = "gpt-5"
	ModelOpenAIO3           = "o3"
	ModelOpenAIO4Mini       = "o4-mini"
	ModelGemini25Flash      = "gemini-2.5-flash"
	ModelGemini25Pro        = "gemini-2.5-pro"
	ModelGemini3Pro         = "gemini-3-pro-preview"

	// DefaultLocalModel is used for every task kind in local mode unless overridden.
	DefaultLocalModel = "mistral-nemo:latest"
	DefaultOllamaHost = "http://localhost:11434"
)

// ModelInfo describes pricing and limits of a known model.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels registry contains pricing and provider information for common models.
// Unknown models are inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	ModelClaudeSonnet4: {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	ModelClaudeSonnet4Old: {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	ModelClaudeHaiku35: {
		Provider:         ProviderAnthropic,
		InputCPM:         0.8,
		OutputCPM:        4.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	ModelClaudeOpus45: {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	ModelGPT4o: {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	ModelGPT4oMini: {
		Provider:         ProviderOpenAI,
		InputCPM:         0.15,
		OutputCPM:        0.6,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	ModelGPT5: {
		Provider:         ProviderOpenAI,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 400000,
		MaxOutputTokens:  128000,
	},
	ModelOpenAIO3: {
		Provider:         ProviderOpenAI,
		InputCPM:         2.0,
		OutputCPM:        8.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  100000,
	},
	ModelOpenAIO4Mini: {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 200000,
		MaxOutputTokens:  100000,
	},
	ModelGemini25Flash: {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	ModelGemini25Pro: {
		Provider:         ProviderGoogle,
		InputCPM:         1.25,
		OutputCPM:        10.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	ModelGemini3Pro: {
		Provider:         ProviderGoogle,
		InputCPM:         2.0,
		OutputCPM:        12.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the API provider for a given model.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns catalogue info for a model, or conservative defaults
// with an inferred provider and false when the model is unknown.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// ModelConfig is the user-facing model selection for one task kind.
type ModelConfig struct {
	Provider    string  `koanf:"provider" json:"provider"`
	Name        string  `koanf:"name" json:"name"`
	Temperature float32 `koanf:"temperature" json:"temperature"`
	MaxTokens   int     `koanf:"max_tokens" json:"max_tokens"`
	Thinking    bool    `koanf:"thinking" json:"thinking"`
}

// CircuitBreakerConfig defines configuration for circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" json:"failure_threshold"`
	Timeout          time.Duration `koanf:"timeout" json:"timeout"`
}

// RetryConfig defines configuration for retry behavior within one model candidate.
type RetryConfig struct {
	MaxAttempts   int           `koanf:"max_attempts" json:"max_attempts"`
	InitialDelay  time.Duration `koanf:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `koanf:"max_delay" json:"max_delay"`
	BackoffFactor float64       `koanf:"backoff_factor" json:"backoff_factor"`
}

// ResilienceConfig groups the middleware settings applied to every model client.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `koanf:"retry" json:"retry"`
	Timeout        time.Duration        `koanf:"timeout" json:"timeout"`
}

// CompactionConfig controls implementer history compaction.
type CompactionConfig struct {
	TokenThreshold int `koanf:"token_threshold" json:"token_threshold"`
	KeepRecent     int `koanf:"keep_recent" json:"keep_recent"`
}

// LimitsConfig bounds the stage loops.
type LimitsConfig struct {
	MaxContextActions    int              `koanf:"max_context_actions" json:"max_context_actions"`
	MaxProgrammerActions int              `koanf:"max_programmer_actions" json:"max_programmer_actions"`
	MaxReviewActions     int              `koanf:"max_review_actions" json:"max_review_actions"`
	MaxReviewCycles      int              `koanf:"max_review_cycles" json:"max_review_cycles"`
	BackpressureMultiple int              `koanf:"backpressure_multiple" json:"backpressure_multiple"`
	MaxNoToolCallRetries int              `koanf:"max_no_tool_call_retries" json:"max_no_tool_call_retries"`
	NoToolCallWindow     int              `koanf:"no_tool_call_window" json:"no_tool_call_window"`
	FailureWindow        int              `koanf:"failure_window" json:"failure_window"`
	Compaction           CompactionConfig `koanf:"compaction" json:"compaction"`
	ToolOutputLimitBytes int              `koanf:"tool_output_limit_bytes" json:"tool_output_limit_bytes"`
}

// ExecutionConfig selects the execution mode.
type ExecutionConfig struct {
	LocalMode       bool `koanf:"local_mode" json:"local_mode"`
	TrackingEnabled bool `koanf:"tracking_enabled" json:"tracking_enabled"`
	AutoAcceptPlan  bool `koanf:"auto_accept_plan" json:"auto_accept_plan"`
}

// GitHubConfig configures the tracking record and patch host.
type GitHubConfig struct {
	Owner      string `koanf:"owner" json:"owner"`
	Repo       string `koanf:"repo" json:"repo"`
	BaseBranch string `koanf:"base_branch" json:"base_branch"`
	TokenEnv   string `koanf:"token_env" json:"token_env"`
	BaseURL    string `koanf:"base_url" json:"base_url"`
}

// SandboxConfig configures the git-backed sandbox provider.
type SandboxConfig struct {
	Root         string `koanf:"root" json:"root"`
	SourceRepo   string `koanf:"source_repo" json:"source_repo"`
	BranchPrefix string `koanf:"branch_prefix" json:"branch_prefix"`
	AuthorName   string `koanf:"author_name" json:"author_name"`
	AuthorEmail  string `koanf:"author_email" json:"author_email"`
}

// PersistenceConfig configures the SQLite session store.
type PersistenceConfig struct {
	DBPath string `koanf:"db_path" json:"db_path"`
}

// SecretsConfig locates the encrypted secrets file.
type SecretsConfig struct {
	Path        string `koanf:"path" json:"path"`
	PasswordEnv string `koanf:"password_env" json:"password_env"`
}

// MetricsConfig configures Prometheus.
type MetricsConfig struct {
	Enabled       bool   `koanf:"enabled" json:"enabled"`
	ListenAddr    string `koanf:"listen_addr" json:"listen_addr"`
	PrometheusURL string `koanf:"prometheus_url" json:"prometheus_url"`
}

// Config is the root configuration.
type Config struct {
	Models        map[string]ModelConfig `koanf:"models" json:"models"`
	LocalModels   map[string]ModelConfig `koanf:"local_models" json:"local_models"`
	FallbackOrder []string               `koanf:"fallback_order" json:"fallback_order"`
	Resilience    ResilienceConfig       `koanf:"resilience" json:"resilience"`
	Limits        LimitsConfig           `koanf:"limits" json:"limits"`
	Execution     ExecutionConfig        `koanf:"execution" json:"execution"`
	GitHub        GitHubConfig           `koanf:"github" json:"github"`
	Sandbox       SandboxConfig          `koanf:"sandbox" json:"sandbox"`
	Persistence   PersistenceConfig      `koanf:"persistence" json:"persistence"`
	Secrets       SecretsConfig          `koanf:"secrets" json:"secrets"`
	Metrics       MetricsConfig          `koanf:"metrics" json:"metrics"`
	Logging       logx.Config            `koanf:"logging" json:"logging"`
}

// ModelFor returns the configured model for a task kind. In local mode the
// local_models table wins, falling back to DefaultLocalModel.
func (c *Config) ModelFor(kind TaskKind) (ModelConfig, bool) {
	if c.Execution.LocalMode {
		if mc, ok := c.LocalModels[string(kind)]; ok && mc.Name != "" {
			return mc, true
		}
		return ModelConfig{Provider: ProviderOllama, Name: DefaultLocalModel, Temperature: 0, MaxTokens: 4096}, true
	}
	mc, ok := c.Models[string(kind)]
	if !ok || mc.Name == "" {
		return ModelConfig{}, false
	}
	return mc, true
}

// MaxActionsFor returns the action budget for a looping task kind.
func (c *Config) MaxActionsFor(kind TaskKind) int {
	switch kind {
	case TaskPlanner:
		return c.Limits.MaxContextActions
	case TaskReviewer:
		return c.Limits.MaxReviewActions
	default:
		return c.Limits.MaxProgrammerActions
	}
}

// applyDefaults fills zero values that defaults.yaml cannot express.
func applyDefaults(c *Config) {
	if c.Models == nil {
		c.Models = make(map[string]ModelConfig)
	}
	for name, mc := range c.Models {
		if mc.Provider == "" && mc.Name != "" {
			if p, err := GetModelProvider(mc.Name); err == nil {
				mc.Provider = p
			}
		}
		if mc.MaxTokens == 0 {
			info, _ := GetModelInfo(mc.Name)
			mc.MaxTokens = info.MaxOutputTokens
		}
		c.Models[name] = mc
	}
	if c.Limits.BackpressureMultiple <= 0 {
		c.Limits.BackpressureMultiple = 2
	}
	if c.Limits.NoToolCallWindow <= 0 {
		c.Limits.NoToolCallWindow = 2
	}
	if c.GitHub.BaseBranch == "" {
		c.GitHub.BaseBranch = "main"
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	var problems []string

	if !c.Execution.LocalMode {
		for _, kind := range AllTaskKinds() {
			mc, ok := c.ModelFor(kind)
			if !ok {
				problems = append(problems, fmt.Sprintf("models.%s: no model configured", kind))
				continue
			}
			if _, err := GetModelProvider(mc.Name); err != nil {
				problems = append(problems, fmt.Sprintf("models.%s: %v", kind, err))
			}
		}
	}
	for _, p := range c.FallbackOrder {
		switch p {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		default:
			problems = append(problems, fmt.Sprintf("fallback_order: unknown provider %q", p))
		}
	}
	if c.Resilience.CircuitBreaker.FailureThreshold <= 0 {
		problems = append(problems, "resilience.circuit_breaker.failure_threshold must be positive")
	}
	if c.Resilience.CircuitBreaker.Timeout <= 0 {
		problems = append(problems, "resilience.circuit_breaker.timeout must be positive")
	}
	if c.Limits.MaxContextActions <= 0 || c.Limits.MaxProgrammerActions <= 0 || c.Limits.MaxReviewActions <= 0 {
		problems = append(problems, "limits: action budgets must be positive")
	}
	if c.Limits.MaxReviewCycles < 0 {
		problems = append(problems, "limits.max_review_cycles cannot be negative")
	}
	if c.Execution.TrackingEnabled && !c.Execution.LocalMode && (c.GitHub.Owner == "" || c.GitHub.Repo == "") {
		problems = append(problems, "github.owner and github.repo are required when tracking is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
