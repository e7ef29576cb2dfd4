package backend

import (
	"fmt"
	"slices"
	"sync"

	"github.com/xtxerr/statehist/internal/errors"
)

// Factory creates a backend for a new history.
type Factory func(opts Options) (Backend, error)

// Opener reopens a finished history for querying.
type Opener func(opts Options) (Backend, error)

type entry struct {
	factory Factory
	opener  Opener
}

// Registry maps backend names to their constructors. Callers build one
// explicitly and register what they need; there is no global registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a backend. opener may be nil for backends that cannot be
// reopened. Registering a name twice replaces the earlier entry.
func (r *Registry) Register(name string, factory Factory, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{factory: factory, opener: opener}
}

// New creates a backend for a new history.
func (r *Registry) New(name string, opts Options) (Backend, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.factory(opts)
}

// Open reopens a finished history with the named backend.
func (r *Registry) Open(name string, opts Options) (Backend, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if e.opener == nil {
		return nil, fmt.Errorf("backend %q cannot reopen a history: %w", name, errors.ErrUnknownBackend)
	}
	return e.opener(opts)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) lookup(name string) (entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return entry{}, fmt.Errorf("backend %q (known: %v): %w", name, r.namesLocked(), errors.ErrUnknownBackend)
	}
	return e, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
