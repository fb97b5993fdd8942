// Package metrics provides services for querying and aggregating metrics data.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	llmmetrics "shipwright/pkg/agent/middleware/metrics"
)

// UsageMetrics is aggregated token and cost usage.
type UsageMetrics struct {
	TaskKind         string  `json:"task_kind,omitempty"`
	Model            string  `json:"model,omitempty"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetUsage returns usage for one task kind, or for everything when kind is empty.
func (q *QueryService) GetUsage(ctx context.Context, kind string) (*UsageMetrics, error) {
	selector := ""
	if kind != "" {
		selector = fmt.Sprintf(`task_kind=%q`, kind)
	}
	usage := &UsageMetrics{TaskKind: kind}
	if err := q.fill(ctx, usage, selector); err != nil {
		return nil, err
	}
	return usage, nil
}

// GetUsageByTaskKind breaks usage down by task kind and model.
func (q *QueryService) GetUsageByTaskKind(ctx context.Context) ([]*UsageMetrics, error) {
	groupQuery := fmt.Sprintf(`group by (task_kind, model) (%s)`, llmmetrics.MetricRequestsTotal)
	groups, err := q.vector(ctx, groupQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query task kinds: %w", err)
	}

	var result []*UsageMetrics
	for _, sample := range groups {
		usage := &UsageMetrics{
			TaskKind: string(sample.Metric["task_kind"]),
			Model:    string(sample.Metric["model"]),
		}
		selector := fmt.Sprintf(`task_kind=%q, model=%q`, usage.TaskKind, usage.Model)
		if err := q.fill(ctx, usage, selector); err != nil {
			return nil, err
		}
		result = append(result, usage)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TaskKind != result[j].TaskKind {
			return result[i].TaskKind < result[j].TaskKind
		}
		return result[i].Model < result[j].Model
	})
	return result, nil
}

func (q *QueryService) fill(ctx context.Context, usage *UsageMetrics, selector string) error {
	withType := func(t string) string {
		if selector == "" {
			return fmt.Sprintf(`type=%q`, t)
		}
		return fmt.Sprintf(`%s, type=%q`, selector, t)
	}

	var err error
	if usage.Requests, err = q.sum(ctx, llmmetrics.MetricRequestsTotal, selector); err != nil {
		return fmt.Errorf("failed to query requests: %w", err)
	}
	if usage.PromptTokens, err = q.sum(ctx, llmmetrics.MetricTokensTotal, withType("prompt")); err != nil {
		return fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if usage.CompletionTokens, err = q.sum(ctx, llmmetrics.MetricTokensTotal, withType("completion")); err != nil {
		return fmt.Errorf("failed to query completion tokens: %w", err)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	costs, err := q.vector(ctx, fmt.Sprintf(`sum(%s{%s})`, llmmetrics.MetricCostsTotal, selector))
	if err != nil {
		return fmt.Errorf("failed to query total cost: %w", err)
	}
	if len(costs) > 0 {
		usage.TotalCost = float64(costs[0].Value)
	}
	return nil
}

func (q *QueryService) sum(ctx context.Context, metric, selector string) (int64, error) {
	vector, err := q.vector(ctx, fmt.Sprintf(`sum(%s{%s})`, metric, selector))
	if err != nil {
		return 0, err
	}
	if len(vector) == 0 {
		return 0, nil
	}
	return int64(vector[0].Value), nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", query, err)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, nil
	}
	return vector, nil
}
