package securefetch

import (
	"sort"
	"sync"
)

// SharedState is the state clients built with the same Registry and key
// have in common.
type SharedState struct {
	Breakers *BreakerRegistry
	Cache    Storage
	Dedup    *Deduplicator
}

// Registry owns shared state by storage key. Clients opt in with
// WithSharedState; nothing is shared implicitly.
type Registry struct {
	mu     sync.Mutex
	states map[string]*SharedState
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*SharedState)}
}

// Shared returns the state for key, calling build to create it on first use.
func (r *Registry) Shared(key string, build func() *SharedState) *SharedState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[key]; ok {
		return state
	}
	state := build()
	r.states[key] = state
	return state
}

// Lookup returns the state for key if it exists.
func (r *Registry) Lookup(key string) (*SharedState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[key]
	return state, ok
}

// Remove forgets key. Clients already holding its state keep using it.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.states, key)
	r.mu.Unlock()
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.states))
	for k := range r.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
