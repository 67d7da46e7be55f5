// Package registry provides the generic named-entry store backing the
// tool gateway's registries.
package registry

import (
	"fmt"
	"sync"
)

// Registry is the read/write surface a named-entry collection exposes.
type Registry[T any] interface {
	Register(name string, entry T) error
	Get(name string) (T, bool)
	List() []T
	Remove(name string) error
	Count() int
	Clear()
}

// BaseRegistry is the map-backed Registry implementation. Safe for
// concurrent use; List returns entries in no particular order.
type BaseRegistry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{entries: make(map[string]T)}
}

// Register adds an entry under a unique name. Callers that want
// overwrite semantics remove the old entry first.
func (r *BaseRegistry[T]) Register(name string, entry T) error {
	if name == "" {
		return fmt.Errorf("registry: name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("registry: %q is already registered", name)
	}
	r.entries[name] = entry
	return nil
}

func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	return entry, exists
}

func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	return out
}

func (r *BaseRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("registry: %q is not registered", name)
	}
	delete(r.entries, name)
	return nil
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *BaseRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]T)
}
