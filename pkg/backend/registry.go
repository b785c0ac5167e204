package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/systmms/dsvault/pkg/secret"
)

// Registry maps encryption types to backend implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[secret.EncryptionType]Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[secret.EncryptionType]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces the backend for b.Type().
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Type()] = b
}

// Get returns the backend for t.
func (r *Registry) Get(t secret.EncryptionType) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[t]
	if !ok {
		return nil, fmt.Errorf("no backend registered for encryption type %s", t)
	}
	return b, nil
}

// SupportedTypes returns the registered encryption types, sorted.
func (r *Registry) SupportedTypes() []secret.EncryptionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]secret.EncryptionType, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// IsSupported checks if an encryption type has a backend.
func (r *Registry) IsSupported(t secret.EncryptionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[t]
	return ok
}
