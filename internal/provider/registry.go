package provider

import (
	"fmt"
	"sync"
)

// Factory constructs a provider instance by name.
type Factory func() Interface

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Interface),
	}
}

// RegisterFactory makes a provider available for loading under name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Register installs an already-constructed provider (used by tests).
func (r *Registry) Register(name string, p Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Load initializes and registers a provider by name. Loading an
// already-loaded provider is a no-op.
func (r *Registry) Load(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}
	f, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	r.providers[name] = f()
	return nil
}

// Get returns a loaded provider.
func (r *Registry) Get(name string) (Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// ResourceSchema looks up per-type schema metadata from the named provider,
// when it declares any. The planner uses this to decide update vs replace.
func (r *Registry) ResourceSchema(providerName, typ string) (ResourceSchema, bool) {
	r.mu.RLock()
	p, ok := r.providers[providerName]
	r.mu.RUnlock()
	if !ok {
		return ResourceSchema{}, false
	}
	sp, ok := p.(SchemaProvider)
	if !ok {
		return ResourceSchema{}, false
	}
	return sp.ResourceSchema(typ)
}
