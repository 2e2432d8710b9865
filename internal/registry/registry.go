// Package registry holds the fixed set of provider adapters for the process
// lifetime. The set is built once at startup and never mutated, so all reads
// are lock-free.
package registry

import (
	"errors"
	"fmt"

	"github.com/xynenyx/llm-service/internal/provider"
)

var (
	ErrNotFound = errors.New("provider not found")
	ErrDisabled = errors.New("provider disabled")
)

type Registry struct {
	order     []string
	byID      map[string]provider.Provider
	defaultID string
}

// New builds a registry from adapters in registration order. defaultID names
// the provider used when a request omits one; it must refer to an enabled
// registered adapter.
func New(defaultID string, providers ...provider.Provider) (*Registry, error) {
	r := &Registry{
		byID:      make(map[string]provider.Provider, len(providers)),
		defaultID: defaultID,
	}

	for _, p := range providers {
		desc := p.Describe()
		if desc.ID == "" {
			return nil, errors.New("registry: provider with empty id")
		}
		if _, dup := r.byID[desc.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate provider id %q", desc.ID)
		}
		r.byID[desc.ID] = p
		r.order = append(r.order, desc.ID)
	}

	def, ok := r.byID[defaultID]
	if !ok {
		return nil, fmt.Errorf("registry: default provider %q not registered", defaultID)
	}
	if !def.Describe().Enabled {
		return nil, fmt.Errorf("registry: default provider %q is disabled", defaultID)
	}

	return r, nil
}

// Resolve returns the adapter for id, or the default adapter when id is
// empty. In-memory only; never performs I/O.
func (r *Registry) Resolve(id string) (provider.Provider, error) {
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !p.Describe().Enabled {
		return nil, fmt.Errorf("%w: %q", ErrDisabled, id)
	}
	return p, nil
}

// List returns descriptors in registration order.
func (r *Registry) List() []provider.Descriptor {
	out := make([]provider.Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Describe())
	}
	return out
}

// Get returns the descriptor for id, including disabled providers.
func (r *Registry) Get(id string) (provider.Descriptor, error) {
	p, ok := r.byID[id]
	if !ok {
		return provider.Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p.Describe(), nil
}

// DefaultID returns the configured default provider id.
func (r *Registry) DefaultID() string {
	return r.defaultID
}
