package runtime

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
)

// BehaviorChain runs an ordered list of behaviors against one context. It is
// single-use: build one per pipeline invocation.
//
// The descriptor list is never mutated; a cursor marks the next behavior and
// snapshots are saved cursor positions.
type BehaviorChain struct {
	descriptors []Descriptor
	cursor      int
	snapshots   []int
	registry    *InvocationRegistry

	invoked bool
	rootErr error
	pipe    *Pipe
}

// NewBehaviorChain copies descriptors. registry may be nil.
func NewBehaviorChain(descriptors []Descriptor, registry *InvocationRegistry) *BehaviorChain {
	return &BehaviorChain{
		descriptors: append([]Descriptor(nil), descriptors...),
		registry:    registry,
	}
}

// Invoke runs the chain to completion or first failure. When several frames
// fail while unwinding, the error returned is the first one observed.
func (c *BehaviorChain) Invoke(ctx *BehaviorContext) error {
	if c.invoked {
		return errspkg.ErrChainAlreadyInvoked
	}
	c.invoked = true

	ctx.chain = c
	c.pipe = newPipe(ctx.Kind())
	c.registry.add(c.pipe)

	defer func() {
		// The trace still completes when a behavior panics past the chain.
		if r := recover(); r != nil {
			c.pipe.finish(&errspkg.PanicError{Value: r})
			c.registry.done(c.pipe)
			panic(r)
		}
	}()

	err := c.invokeNext(ctx)
	if err != nil && c.rootErr != nil {
		err = c.rootErr
	}
	c.pipe.finish(err)
	c.registry.done(c.pipe)
	return err
}

// Pipe is the trace of the running or finished invocation; nil before Invoke.
func (c *BehaviorChain) Pipe() *Pipe { return c.pipe }

// Pending returns the descriptors that have not run yet.
func (c *BehaviorChain) Pending() []Descriptor {
	return append([]Descriptor(nil), c.descriptors[c.cursor:]...)
}

// TakeSnapshot saves the pending sequence so DeleteSnapshot can rewind to it.
func (c *BehaviorChain) TakeSnapshot() {
	c.snapshots = append(c.snapshots, c.cursor)
}

// DeleteSnapshot restores the most recent snapshot and discards it.
func (c *BehaviorChain) DeleteSnapshot() error {
	if len(c.snapshots) == 0 {
		return errspkg.ErrSnapshotUnderflow
	}
	last := len(c.snapshots) - 1
	c.cursor = c.snapshots[last]
	c.snapshots = c.snapshots[:last]
	return nil
}

func (c *BehaviorChain) invokeNext(ctx *BehaviorContext) error {
	if c.cursor >= len(c.descriptors) {
		c.pipe.complete()
		return nil
	}

	descriptor := c.descriptors[c.cursor]
	c.cursor++

	behavior, err := c.resolve(ctx, descriptor)
	if err != nil {
		return c.fail(err)
	}

	index := c.pipe.addStep(descriptor)
	started := time.Now()
	if err := behavior.Invoke(ctx, c.continuation(ctx)); err != nil {
		return c.fail(err)
	}
	c.pipe.finishStep(index, time.Since(started))
	return nil
}

func (c *BehaviorChain) continuation(ctx *BehaviorContext) func() error {
	called := false
	return func() error {
		if called {
			return errspkg.ErrContinuationReused
		}
		called = true
		return c.invokeNext(ctx)
	}
}

func (c *BehaviorChain) resolve(ctx *BehaviorContext, descriptor Descriptor) (Behavior, error) {
	instance, err := ctx.Builder().Build(descriptor)
	if err != nil {
		return nil, &errspkg.ResolutionError{Descriptor: string(descriptor), Err: err}
	}
	behavior, ok := asBehavior(instance)
	if !ok {
		return nil, &errspkg.ResolutionError{
			Descriptor: string(descriptor),
			Err:        fmt.Errorf("%w: got %T", errspkg.ErrInvalidBehaviorResult, instance),
		}
	}
	return behavior, nil
}

// fail records the first error seen by any frame and completes the trace.
func (c *BehaviorChain) fail(err error) error {
	if c.rootErr == nil {
		c.rootErr = err
	}
	c.pipe.complete()
	return err
}
