// Package modelmgr resolves a task kind to a model, builds resilient clients
// and invokes them with provider fallback. One Manager is shared by every
// stage and run in the process, and so is its circuit breaker registry.
package modelmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"shipwright/pkg/agent/internal/llmimpl/anthropic"
	"shipwright/pkg/agent/internal/llmimpl/google"
	"shipwright/pkg/agent/internal/llmimpl/ollama"
	"shipwright/pkg/agent/internal/llmimpl/openai"
	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/middleware/metrics"
	"shipwright/pkg/agent/middleware/resilience/circuit"
	"shipwright/pkg/agent/middleware/resilience/retry"
	"shipwright/pkg/agent/middleware/resilience/timeout"
	"shipwright/pkg/agent/middleware/validation"
	"shipwright/pkg/config"
	"shipwright/pkg/logx"
)

// ErrNoCandidates is returned when a task kind resolves to no usable model.
var ErrNoCandidates = errors.New("no model candidates for task kind")

// Invoker is what stages depend on: one call per task kind, provider identity hidden.
type Invoker interface {
	Invoke(ctx context.Context, kind config.TaskKind, req llm.CompletionRequest) (llm.CompletionResponse, error)
}

// ClientFactory builds the raw transport for a model. Middleware is added by the Manager.
type ClientFactory func(mc config.ModelConfig) (llm.LLMClient, error)

// Manager implements Invoker.
type Manager struct {
	cfg      *config.Config
	breakers *circuit.Registry
	recorder metrics.Recorder
	factory  ClientFactory
	keys     KeySource
	logger   *logx.Logger

	mu      sync.Mutex
	clients map[string]llm.LLMClient
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory replaces the transport factory (tests use mock clients).
func WithFactory(f ClientFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithBreakers shares an existing breaker registry.
func WithBreakers(r *circuit.Registry) Option {
	return func(m *Manager) { m.breakers = r }
}

// WithKeySource replaces environment credential lookup.
func WithKeySource(k KeySource) Option {
	return func(m *Manager) { m.keys = k }
}

// New creates a Manager for cfg.
func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		recorder: metrics.Nop(),
		keys:     EnvKeys,
		logger:   logx.NewLogger("modelmgr"),
		clients:  make(map[string]llm.LLMClient),
	}
	m.factory = m.rawClient
	for _, opt := range opts {
		opt(m)
	}
	if m.breakers == nil {
		m.breakers = circuit.NewRegistry(circuit.Config{
			FailureThreshold: cfg.Resilience.CircuitBreaker.FailureThreshold,
			Timeout:          cfg.Resilience.CircuitBreaker.Timeout,
		})
	}
	m.breakers.SetObserver(func(model string, state circuit.State) {
		m.recorder.ObserveBreakerState(model, state.String())
		if state == circuit.Open {
			m.logger.Warn("⚡ circuit opened for %s", model)
		}
	})
	return m
}

// Breakers exposes the shared breaker registry.
func (m *Manager) Breakers() *circuit.Registry {
	return m.breakers
}

// Recorder returns the metrics recorder in use.
func (m *Manager) Recorder() metrics.Recorder {
	return m.recorder
}

// Resolve returns the primary model load config for kind.
func (m *Manager) Resolve(kind config.TaskKind) (config.ModelConfig, error) {
	candidates := m.Candidates(kind)
	if len(candidates) == 0 {
		return config.ModelConfig{}, fmt.Errorf("%w: %s", ErrNoCandidates, kind)
	}
	return candidates[0], nil
}

// Candidates lists the models tried for kind, in order: the configured model,
// then each provider's default in fallback order. Local mode never falls back
// to hosted providers.
func (m *Manager) Candidates(kind config.TaskKind) []config.ModelConfig {
	primary, ok := m.cfg.ModelFor(kind)
	if m.cfg.Execution.LocalMode {
		if !ok {
			return nil
		}
		if primary.Provider == "" {
			primary.Provider = config.ProviderOllama
		}
		return []config.ModelConfig{primary}
	}

	var out []config.ModelConfig
	seen := make(map[string]bool)
	add := func(mc config.ModelConfig) {
		if mc.Name == "" || seen[mc.Name] {
			return
		}
		if mc.Provider == "" {
			p, err := config.GetModelProvider(mc.Name)
			if err != nil {
				return
			}
			mc.Provider = p
		}
		seen[mc.Name] = true
		out = append(out, mc)
	}

	if ok {
		add(primary)
	}
	for _, provider := range m.cfg.FallbackOrder {
		name, found := DefaultModel(provider, kind)
		if !found {
			continue
		}
		fallback := config.ModelConfig{
			Provider:    provider,
			Name:        name,
			Temperature: primary.Temperature,
			MaxTokens:   primary.MaxTokens,
		}
		if info, known := config.GetModelInfo(name); fallback.MaxTokens == 0 || (known && fallback.MaxTokens > info.MaxOutputTokens) {
			fallback.MaxTokens = info.MaxOutputTokens
		}
		add(fallback)
	}
	return out
}

// Invoke calls the first healthy candidate for kind and fails over on error.
// A candidate whose breaker is open is skipped without a network call. When
// every candidate fails the last error is returned.
//
//nolint:gocritic // CompletionRequest is passed by value to match llm.LLMClient
func (m *Manager) Invoke(ctx context.Context, kind config.TaskKind, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	candidates := m.Candidates(kind)
	if len(candidates) == 0 {
		return llm.CompletionResponse{}, fmt.Errorf("%w: %s", ErrNoCandidates, kind)
	}
	ctx = llm.WithTaskKind(ctx, string(kind))

	var lastErr error
	for i := range candidates {
		mc := candidates[i]
		client, err := m.client(mc)
		if err != nil {
			m.logger.Warn("⏭️ %s candidate %s unavailable: %v", kind, mc.Name, err)
			lastErr = err
			continue
		}

		resp, err := client.Complete(ctx, applyLoadConfig(req, mc))
		if err == nil {
			if i > 0 {
				m.logger.Info("🔀 %s served by fallback %s (%s)", kind, mc.Name, mc.Provider)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return llm.CompletionResponse{}, ctx.Err() //nolint:wrapcheck // pass through cancellation
		}
		if errors.Is(err, circuit.ErrOpen) {
			m.logger.Debug("⏭️ %s skipping %s: circuit open", kind, mc.Name)
		} else {
			m.logger.Warn("❌ %s call to %s failed: %v", kind, mc.Name, err)
		}
		lastErr = err
	}
	return llm.CompletionResponse{}, fmt.Errorf("all %d model candidates failed for %s: %w", len(candidates), kind, lastErr)
}

// applyLoadConfig imposes the model's load settings on a stage request.
//
//nolint:gocritic // value semantics are the point
func applyLoadConfig(req llm.CompletionRequest, mc config.ModelConfig) llm.CompletionRequest {
	req.Temperature = mc.Temperature
	req.Thinking = mc.Thinking
	if mc.MaxTokens > 0 {
		req.MaxTokens = mc.MaxTokens
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = llm.DefaultMaxTokens
	}
	return req
}

// client returns the cached middleware-wrapped client for mc.
func (m *Manager) client(mc config.ModelConfig) (llm.LLMClient, error) {
	key := mc.Provider + "/" + mc.Name
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c, nil
	}

	raw, err := m.factory(mc)
	if err != nil {
		return nil, err
	}

	// Metrics -> CircuitBreaker -> EmptyResponse -> Retry -> Timeout -> RawClient
	c := llm.Chain(raw,
		metrics.Middleware(m.recorder, mc.Provider, nil, m.logger),
		circuit.Middleware(m.breakers),
		validation.EmptyResponseMiddleware(m.logger),
		retry.Middleware(retry.NewPolicy(m.cfg.Resilience.Retry, nil), m.logger),
		timeout.Middleware(m.cfg.Resilience.Timeout),
	)
	m.clients[key] = c
	return c, nil
}

func (m *Manager) rawClient(mc config.ModelConfig) (llm.LLMClient, error) {
	key, ok := m.keys(mc.Provider)
	if !ok {
		return nil, fmt.Errorf("no credentials for provider %s", mc.Provider)
	}
	switch mc.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClient(key, mc.Name), nil
	case config.ProviderOpenAI:
		return openai.NewClient(key, mc.Name), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(key, mc.Name), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(key, mc.Name), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", mc.Provider)
	}
}

var _ Invoker = (*Manager)(nil)
