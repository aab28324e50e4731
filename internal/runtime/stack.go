package runtime

import errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"

// ContextStack tracks which pipeline context is current. It is not safe for
// concurrent use; each worker owns its own stack.
type ContextStack struct {
	contexts []*BehaviorContext
	newRoot  func() *BehaviorContext
}

// NewContextStack returns an empty stack that materializes roots with newRoot.
func NewContextStack(newRoot func() *BehaviorContext) *ContextStack {
	return &ContextStack{newRoot: newRoot}
}

// Current returns the top of the stack, pushing a fresh root when empty.
func (s *ContextStack) Current() *BehaviorContext {
	if len(s.contexts) == 0 {
		s.contexts = append(s.contexts, s.newRoot())
	}
	return s.contexts[len(s.contexts)-1]
}

// Peek returns the top without creating a root.
func (s *ContextStack) Peek() (*BehaviorContext, bool) {
	if len(s.contexts) == 0 {
		return nil, false
	}
	return s.contexts[len(s.contexts)-1], true
}

func (s *ContextStack) Push(c *BehaviorContext) {
	s.contexts = append(s.contexts, c)
}

// Pop removes the top context and releases its builder scope. The context is
// returned even when releasing the scope fails.
func (s *ContextStack) Pop() (*BehaviorContext, error) {
	if len(s.contexts) == 0 {
		return nil, errspkg.ErrContextStackEmpty
	}
	top := s.contexts[len(s.contexts)-1]
	s.contexts[len(s.contexts)-1] = nil
	s.contexts = s.contexts[:len(s.contexts)-1]
	return top, top.release()
}

func (s *ContextStack) Depth() int { return len(s.contexts) }

// Close pops and releases every context, top first.
func (s *ContextStack) Close() error {
	var firstErr error
	for len(s.contexts) > 0 {
		if _, err := s.Pop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
