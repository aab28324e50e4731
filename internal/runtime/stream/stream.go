// Package stream implements the multi-subscriber broadcast used for step
// traces and for the pipeline invocation registry.
package stream

import "sync"

// Observer receives events published on a Stream.
type Observer[T any] interface {
	OnNext(value T)
	OnCompleted()
}

// ObserverFuncs adapts plain functions to Observer. Nil funcs are skipped.
type ObserverFuncs[T any] struct {
	Next      func(T)
	Completed func()
}

func (o ObserverFuncs[T]) OnNext(value T) {
	if o.Next != nil {
		o.Next(value)
	}
}

func (o ObserverFuncs[T]) OnCompleted() {
	if o.Completed != nil {
		o.Completed()
	}
}

// Subscription cancels delivery to one observer. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Observable is the subscribe side of a Stream, handed to diagnostics code.
type Observable[T any] interface {
	Subscribe(observer Observer[T]) Subscription
}

type entry[T any] struct {
	id       uint64
	observer Observer[T]
}

// Stream broadcasts values to every observer subscribed at publish time. It
// keeps no history: late subscribers only see later values.
//
// Observers are called outside the lock, so an observer may unsubscribe (or
// subscribe others) from inside its own callback.
type Stream[T any] struct {
	mu        sync.RWMutex
	observers []entry[T]
	nextID    uint64
	completed bool
}

// New returns an empty stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{}
}

// Subscribe registers observer. Subscribing to a completed stream delivers
// OnCompleted immediately and returns an inert subscription.
func (s *Stream[T]) Subscribe(observer Observer[T]) Subscription {
	if observer == nil {
		return noopSubscription{}
	}

	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		observer.OnCompleted()
		return noopSubscription{}
	}
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, entry[T]{id: id, observer: observer})
	s.mu.Unlock()

	return &subscription[T]{stream: s, id: id}
}

// Publish delivers value to the current observers in subscription order.
// Values published after Complete are dropped.
func (s *Stream[T]) Publish(value T) {
	observers, ok := s.snapshot()
	if !ok {
		return
	}
	for _, o := range observers {
		o.OnNext(value)
	}
}

// Complete delivers OnCompleted exactly once and detaches every observer.
// It reports whether this call performed the completion.
func (s *Stream[T]) Complete() bool {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return false
	}
	s.completed = true
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()

	for _, e := range observers {
		e.observer.OnCompleted()
	}
	return true
}

// Completed reports whether Complete has been called.
func (s *Stream[T]) Completed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed
}

// Len returns the number of active observers.
func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

func (s *Stream[T]) snapshot() ([]Observer[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.completed {
		return nil, false
	}
	out := make([]Observer[T], len(s.observers))
	for i, e := range s.observers {
		out[i] = e.observer
	}
	return out, true
}

func (s *Stream[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.observers {
		if e.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

type subscription[T any] struct {
	once   sync.Once
	stream *Stream[T]
	id     uint64
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.stream.remove(s.id)
	})
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
