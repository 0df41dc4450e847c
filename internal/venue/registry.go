package venue

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured adapters by name. Constructed explicitly
// and passed where needed so tests can build isolated registries.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate names are an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("venue: %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("venue: unknown venue %q", name)
	}
	return a, nil
}

// Names lists registered venues in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
