package metrics

import (
	"sort"
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory
// aggregation per thread. It backs the CLI summary when no Prometheus server
// is available.
type InternalRecorder struct {
	threads map[string]*ThreadMetrics // threadID -> aggregated metrics
	tools   map[string]*ToolMetrics
	mu      sync.RWMutex
}

// ThreadMetrics represents aggregated metrics for one session thread.
//
//nolint:govet
type ThreadMetrics struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	ErrorCount       int64     `json:"error_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	ThreadID         string    `json:"thread_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

// ToolMetrics counts executions of one tool.
type ToolMetrics struct {
	Tool      string `json:"tool"`
	Successes int64  `json:"successes"`
	Errors    int64  `json:"errors"`
}

// NewInternalRecorder creates an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{
		threads: make(map[string]*ThreadMetrics),
		tools:   make(map[string]*ToolMetrics),
	}
}

// ObserveRequest aggregates a request under its thread id.
func (r *InternalRecorder) ObserveRequest(req Request) {
	if req.ThreadID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	thread, exists := r.threads[req.ThreadID]
	if !exists {
		thread = &ThreadMetrics{ThreadID: req.ThreadID}
		r.threads[req.ThreadID] = thread
	}

	thread.RequestCount++
	thread.LastUpdated = time.Now()
	if !req.Success {
		thread.ErrorCount++
		return
	}
	thread.PromptTokens += int64(req.PromptTokens)
	thread.CompletionTokens += int64(req.CompletionTokens)
	thread.TotalTokens = thread.PromptTokens + thread.CompletionTokens
	thread.TotalCost += req.Cost
}

// ObserveBreakerState is not aggregated in memory; the registry keeps breaker snapshots.
func (r *InternalRecorder) ObserveBreakerState(_, _ string) {}

// ObserveToolExecution counts tool outcomes.
func (r *InternalRecorder) ObserveToolExecution(tool, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tm, ok := r.tools[tool]
	if !ok {
		tm = &ToolMetrics{Tool: tool}
		r.tools[tool] = tm
	}
	if status == statusError {
		tm.Errors++
	} else {
		tm.Successes++
	}
}

// GetThreadMetrics returns a copy of the metrics for a thread, or nil.
func (r *InternalRecorder) GetThreadMetrics(threadID string) *ThreadMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if thread, exists := r.threads[threadID]; exists {
		cp := *thread
		return &cp
	}
	return nil
}

// GetAllThreadMetrics returns copies of all thread metrics.
func (r *InternalRecorder) GetAllThreadMetrics() map[string]*ThreadMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ThreadMetrics, len(r.threads))
	for id, thread := range r.threads {
		cp := *thread
		result[id] = &cp
	}
	return result
}

// GetToolMetrics returns tool counters sorted by tool name.
func (r *InternalRecorder) GetToolMetrics() []ToolMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolMetrics, 0, len(r.tools))
	for _, tm := range r.tools {
		out = append(out, *tm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// Reset clears all metrics.
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = make(map[string]*ThreadMetrics)
	r.tools = make(map[string]*ToolMetrics)
}
