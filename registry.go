package xqueue

import (
	"errors"
	"fmt"
	"sync"
)

// Factory constructs an instance for a Registry name.
type Factory func() (any, error)

// Registry is a name->factory Resolver. Each name is constructed at most once; later
// Resolve calls return the same instance.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]any
}

var _ Resolver = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]any),
	}
}

// Register binds name to factory, replacing any earlier binding.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("registry name must not be empty")
	}
	if factory == nil {
		return errors.New("registry factory must not be nil")
	}
	r.mu.Lock()
	r.factories[name] = factory
	delete(r.instances, name)
	r.mu.Unlock()
	return nil
}

// RegisterInstance binds name to an already constructed value.
func (r *Registry) RegisterInstance(name string, v any) error {
	if v == nil {
		return fmt.Errorf("registry instance %q must not be nil", name)
	}
	return r.Register(name, func() (any, error) { return v, nil })
}

// Provide registers v under the name handler references use for its type (see TypeName).
func (r *Registry) Provide(v any) error {
	return r.RegisterInstance(TypeName(v), v)
}

// Resolve returns the instance for name, constructing it on first use.
func (r *Registry) Resolve(name string) (any, error) {
	r.mu.RLock()
	if v, ok := r.instances[name]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	v, err := f()
	if err != nil {
		return nil, NewRoutingError("resolve "+name, err)
	}
	if v == nil {
		return nil, routingErrorf("resolve "+name, "factory returned nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[name]; ok {
		return existing, nil
	}
	r.instances[name] = v
	return v, nil
}
