package handlers

import (
	"fmt"
	"sync"
)

// Func handles one decoded message of any registered type.
type Func[C any] func(ctx C, msg any) error

// Typed adapts a handler for a concrete message type. The returned handler
// rejects messages of other types.
func Typed[C any, T any](fn func(ctx C, msg T) error) Func[C] {
	return func(ctx C, msg any) error {
		typed, ok := msg.(T)
		if !ok {
			var zero T
			return fmt.Errorf("handler for %T received %T", zero, msg)
		}
		return fn(ctx, typed)
	}
}

// Registry keeps handlers per message type name, in registration order.
type Registry[C any] struct {
	mu     sync.RWMutex
	byType map[string][]Func[C]
}

// NewRegistry returns an empty handler registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{byType: make(map[string][]Func[C])}
}

// Add appends fn to the handlers for messageType.
func (r *Registry[C]) Add(messageType string, fn Func[C]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[messageType] = append(r.byType[messageType], fn)
}

// For returns the handlers registered for messageType.
func (r *Registry[C]) For(messageType string) []Func[C] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Func[C](nil), r.byType[messageType]...)
}

// Len reports how many message types have at least one handler.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType)
}
