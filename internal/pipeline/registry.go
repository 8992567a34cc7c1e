package pipeline

import (
	"context"
	"sort"
	"sync"
)

// Handler executes one tool invocation. Input has already passed the policy
// gates and had variables substituted by the runner.
type Handler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

// Registry maps tool ids to handlers. External connector code registers
// handlers before a run starts; the runner never constructs handlers itself.
// Each runner gets its own instance. Thread-safe for concurrent access.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a tool id, replacing any existing one.
func (r *Registry) Register(toolID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[toolID] = h
}

// Get returns the handler for a tool id.
func (r *Registry) Get(toolID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, exists := r.handlers[toolID]
	return h, exists
}

// List returns the registered tool ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
