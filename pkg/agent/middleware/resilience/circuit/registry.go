package circuit

import (
	"sort"
	"sync"
	"time"
)

// StateObserver is notified after every state change a registry call causes.
type StateObserver func(model string, state State)

// Registry holds one breaker per model key. It is shared by every stage and
// every concurrent run in the process; breakers are created on first use.
type Registry struct {
	breakers map[string]Breaker
	now      func() time.Time
	observer StateObserver
	config   Config
	mu       sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]Breaker),
		config:   config,
		now:      time.Now,
	}
}

// SetObserver installs a callback for state changes (used for metrics).
func (r *Registry) SetObserver(obs StateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = obs
}

// Get returns the breaker for model, creating it lazily.
func (r *Registry) Get(model string) Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[model]
	if !ok {
		b = newWithClock(r.config, r.now)
		r.breakers[model] = b
	}
	return b
}

// IsClosed reports whether a call against model may proceed.
func (r *Registry) IsClosed(model string) bool {
	b := r.Get(model)
	before := b.GetState()
	allowed := b.Allow()
	r.notify(model, before, b.GetState())
	return allowed
}

// RecordSuccess closes the breaker for model and clears its failure count.
func (r *Registry) RecordSuccess(model string) {
	r.record(model, true)
}

// RecordFailure counts one failure against model.
func (r *Registry) RecordFailure(model string) {
	r.record(model, false)
}

func (r *Registry) record(model string, success bool) {
	b := r.Get(model)
	before := b.GetState()
	b.Record(success)
	r.notify(model, before, b.GetState())
}

// Snapshots returns the state of every known breaker keyed by model.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for model, b := range r.breakers {
		out[model] = b.Snapshot()
	}
	return out
}

// Models lists known model keys in sorted order.
func (r *Registry) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	models := make([]string, 0, len(r.breakers))
	for m := range r.breakers {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

func (r *Registry) notify(model string, before, after State) {
	if before == after {
		return
	}
	r.mu.Lock()
	obs := r.observer
	r.mu.Unlock()
	if obs != nil {
		obs(model, after)
	}
}
