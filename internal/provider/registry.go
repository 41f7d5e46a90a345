package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// ErrUnknownProvider is returned when no factory is registered for a
// provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider names to their client factories. Per-provider
// integration code registers factories at bootstrap; the engine only ever
// resolves by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]core.ProviderClientFactory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]core.ProviderClientFactory),
	}
}

// Register adds or replaces the factory for its provider name.
func (r *Registry) Register(f core.ProviderClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Provider()] = f
}

// Factory resolves a provider name to its registered factory.
func (r *Registry) Factory(provider string) (core.ProviderClientFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return f, nil
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
