package provider

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotRegistered is returned for lookups of unknown providers.
	ErrNotRegistered = errors.New("provider: not registered")
	// ErrRegistryFrozen is returned by Register once Freeze has been called.
	ErrRegistryFrozen = errors.New("provider: registry is frozen")
)

// Factory builds a provider client.
type Factory func() (Provider, error)

// Registry maps provider IDs to factories. Registration happens once at
// startup; after Freeze the registry is read-only and safe for concurrent use.
type Registry struct {
	factories map[ID]Factory
	frozen    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ID]Factory)}
}

// Register adds a factory for id.
func (r *Registry) Register(id ID, factory Factory) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	if id == "" || factory == nil {
		return fmt.Errorf("provider: register %q: id and factory are required", id)
	}
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("provider: %q already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Get builds a new provider instance for id.
func (r *Registry) Get(id ID) (Provider, error) {
	factory, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("provider: build %q: %w", id, err)
	}
	return p, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id ID) bool {
	_, ok := r.factories[id]
	return ok
}

// List returns registered IDs in sorted order.
func (r *Registry) List() []ID {
	ids := make([]ID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
