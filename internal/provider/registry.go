package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"aibridge/internal/models"
)

// Registry maintains the mapping of provider names to adapters. It is
// populated once at boot and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ChatProvider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ChatProvider),
	}
}

// Register adds the provider under its own name.
func (r *Registry) Register(p ChatProvider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (ChatProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// ListModels aggregates model listings across all registered providers.
// A provider that cannot be reached contributes nothing rather than failing
// the whole listing.
func (r *Registry) ListModels(ctx context.Context) []models.ModelInfo {
	r.mu.RLock()
	providers := make([]ChatProvider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	var out []models.ModelInfo
	for _, p := range providers {
		list, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		out = append(out, list...)
	}
	return out
}
