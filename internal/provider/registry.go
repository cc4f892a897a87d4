package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider names to adapters. Routing a send to a new vendor
// is a registration, not a code change in the pipeline.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Registering the same name
// twice is a wiring bug and fails loudly.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("provider registry: nil adapter")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("provider registry: adapter with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("provider registry: duplicate adapter %q", name)
	}
	r.adapters[name] = a
	return nil
}

// MustRegister is Register for wiring code where a duplicate is fatal.
func (r *Registry) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names, sorted.
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
