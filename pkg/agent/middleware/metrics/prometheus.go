package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names shared with the query service.
const (
	MetricRequestsTotal   = "shipwright_llm_requests_total"
	MetricTokensTotal     = "shipwright_llm_tokens_total"
	MetricCostsTotal      = "shipwright_llm_costs_total"
	MetricRequestDuration = "shipwright_llm_request_duration_seconds"
	MetricBreakerState    = "shipwright_circuit_breaker_state"
	MetricToolExecutions  = "shipwright_tool_executions_total"
	MetricToolDuration    = "shipwright_tool_duration_seconds"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	toolExecutions  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the metrics with reg. A nil reg uses the
// default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRequestsTotal,
				Help: "Total number of LLM requests by provider, model, task kind and status",
			},
			[]string{"provider", "model", "task_kind", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTokensTotal,
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"provider", "model", "task_kind", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCostsTotal,
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"provider", "model", "task_kind"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricRequestDuration,
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model", "task_kind"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricBreakerState,
				Help: "Circuit breaker state per model (0 closed, 1 half-open, 2 open)",
			},
			[]string{"model"},
		),
		toolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricToolExecutions,
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricToolDuration,
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
	}
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(req Request) {
	status := statusSuccess
	if !req.Success {
		status = statusError
	}

	p.requestsTotal.WithLabelValues(req.Provider, req.Model, req.TaskKind, status, req.ErrorType).Inc()

	// Tokens and costs only on success
	if req.Success {
		p.tokensTotal.WithLabelValues(req.Provider, req.Model, req.TaskKind, "prompt").Add(float64(req.PromptTokens))
		p.tokensTotal.WithLabelValues(req.Provider, req.Model, req.TaskKind, "completion").Add(float64(req.CompletionTokens))
		p.costsTotal.WithLabelValues(req.Provider, req.Model, req.TaskKind).Add(req.Cost)
	}

	p.requestDuration.WithLabelValues(req.Provider, req.Model, req.TaskKind).Observe(req.Duration.Seconds())
}

// ObserveBreakerState records a breaker transition.
func (p *PrometheusRecorder) ObserveBreakerState(model, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	p.breakerState.WithLabelValues(model).Set(v)
}

// ObserveToolExecution records one tool call.
func (p *PrometheusRecorder) ObserveToolExecution(tool, status string, duration time.Duration) {
	p.toolExecutions.WithLabelValues(tool, status).Inc()
	p.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
