package tools

import (
	"fmt"
	"strings"
)

// Registry is an ordered, per-stage set of tools assembled when a stage starts.
// It is immutable; Without returns a derived registry.
type Registry struct {
	byName map[string]Tool
	order  []string
}

// NewRegistry creates a registry. Later tools with a duplicate name replace earlier ones.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := r.byName[t.Name()]; !dup {
			r.order = append(r.order, t.Name())
		}
		r.byName[t.Name()] = t
	}
	return r
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.byName[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.byName[name].Definition())
	}
	return defs
}

// Without returns a copy of the registry minus the named tools.
func (r *Registry) Without(names ...string) *Registry {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	var kept []Tool
	for _, name := range r.Names() {
		if _, skip := drop[name]; !skip {
			kept = append(kept, r.byName[name])
		}
	}
	return NewRegistry(kept...)
}

// With returns a copy of the registry plus extra tools.
func (r *Registry) With(extra ...Tool) *Registry {
	all := make([]Tool, 0, len(r.Names())+len(extra))
	for _, name := range r.Names() {
		all = append(all, r.byName[name])
	}
	return NewRegistry(append(all, extra...)...)
}

// Documentation renders the prompt documentation of every tool.
func (r *Registry) Documentation() string {
	var sb strings.Builder
	for _, name := range r.Names() {
		sb.WriteString(r.byName[name].PromptDocumentation())
		sb.WriteString("\n")
	}
	return sb.String()
}

// UnknownToolError is returned for calls naming an unregistered tool.
type UnknownToolError struct {
	Name      string
	Available []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q; available tools: %s", e.Name, strings.Join(e.Available, ", "))
}
