package modules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknown is returned when a key has no registered factory.
var ErrUnknown = errors.New("modules: unknown capability")

// ErrDuplicate is returned when a key is registered twice.
var ErrDuplicate = errors.New("modules: duplicate registration")

// Factory builds one value of T.
type Factory[T any] func() (T, error)

// Registry maps string keys to factories. It replaces loading handler
// classes by file name: every module registers its factories explicitly at
// startup and dispatch looks them up by key.
type Registry[T any] struct {
	kind      string
	factories map[string]Factory[T]
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry. kind is used in error messages
// ("consumer", "chat ability", "interceptor").
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:      kind,
		factories: make(map[string]Factory[T]),
	}
}

// Register adds a factory under key.
func (r *Registry[T]) Register(key string, f Factory[T]) error {
	if key == "" {
		return fmt.Errorf("register %s: empty key", r.kind)
	}
	if f == nil {
		return fmt.Errorf("register %s %q: nil factory", r.kind, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, r.kind, key)
	}
	r.factories[key] = f
	return nil
}

// RegisterValue registers a factory that always returns v.
func (r *Registry[T]) RegisterValue(key string, v T) error {
	return r.Register(key, func() (T, error) { return v, nil })
}

// MustRegister is Register for package init blocks.
func (r *Registry[T]) MustRegister(key string, f Factory[T]) {
	if err := r.Register(key, f); err != nil {
		panic(err)
	}
}

// Create builds the value registered under key.
func (r *Registry[T]) Create(key string) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrUnknown, r.kind, key)
	}

	v, err := f()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("create %s %q: %w", r.kind, key, err)
	}
	return v, nil
}

// Has reports whether key is registered.
func (r *Registry[T]) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
