// Package builder provides the component resolution contract behavior
// chains depend on, plus an in-memory Registry implementation.
package builder

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrComponentNotFound = errors.New("behaviorflow: component not registered")
	ErrScopeReleased     = errors.New("behaviorflow: builder scope already released")
	ErrFactoryRequired   = errors.New("behaviorflow: component factory is required")
)

// Descriptor names a component, typically a behavior, to be resolved at
// invocation time.
type Descriptor string

func (d Descriptor) String() string { return string(d) }

// Builder resolves descriptors into instances.
type Builder interface {
	Build(descriptor Descriptor) (any, error)
	HasComponent(descriptor Descriptor) bool
	NewScope() Scope
}

// Scope is a Builder whose lifetime is bounded by the context that owns it.
type Scope interface {
	Builder
	Release() error
}

// Factory produces a component. It receives the scope resolving it so it can
// pull its own dependencies.
type Factory func(b Builder) (any, error)

// Registry is a map-backed Builder. Each Build call runs the factory again;
// values registered with RegisterInstance are shared.
type Registry struct {
	mu        sync.RWMutex
	factories map[Descriptor]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Descriptor]Factory)}
}

// Register binds descriptor to factory, replacing any previous binding.
func (r *Registry) Register(descriptor Descriptor, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrFactoryRequired, descriptor)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[descriptor] = factory
	return nil
}

// RegisterInstance binds descriptor to a shared value. Shared values are never
// closed by scopes.
func (r *Registry) RegisterInstance(descriptor Descriptor, value any) error {
	return r.Register(descriptor, func(Builder) (any, error) { return shared{value}, nil })
}

func (r *Registry) Build(descriptor Descriptor) (any, error) {
	v, err := r.build(descriptor, r)
	if err != nil {
		return nil, err
	}
	return unwrapShared(v), nil
}

func (r *Registry) HasComponent(descriptor Descriptor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[descriptor]
	return ok
}

// NewScope returns a child scope resolving against this registry.
func (r *Registry) NewScope() Scope {
	return &scope{registry: r}
}

func (r *Registry) build(descriptor Descriptor, b Builder) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[descriptor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrComponentNotFound, descriptor)
	}
	return factory(b)
}

type shared struct{ value any }

func unwrapShared(v any) any {
	if s, ok := v.(shared); ok {
		return s.value
	}
	return v
}

type scope struct {
	registry *Registry

	mu       sync.Mutex
	released bool
	owned    []io.Closer
}

func (s *scope) Build(descriptor Descriptor) (any, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, ErrScopeReleased
	}
	s.mu.Unlock()

	v, err := s.registry.build(descriptor, s)
	if err != nil {
		return nil, err
	}
	if sv, ok := v.(shared); ok {
		return sv.value, nil
	}
	if c, ok := v.(io.Closer); ok {
		s.mu.Lock()
		s.owned = append(s.owned, c)
		s.mu.Unlock()
	}
	return v, nil
}

func (s *scope) HasComponent(descriptor Descriptor) bool {
	return s.registry.HasComponent(descriptor)
}

func (s *scope) NewScope() Scope {
	return &scope{registry: s.registry}
}

// Release closes every owned component in reverse build order. Calling it
// again is a no-op.
func (s *scope) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	owned := s.owned
	s.owned = nil
	s.mu.Unlock()

	var errs []error
	for i := len(owned) - 1; i >= 0; i-- {
		if err := owned[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
