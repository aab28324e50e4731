package runtime

import (
	"context"

	builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"
	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
)

// ContextKind tags the BehaviorContext variants.
type ContextKind int

const (
	RootContext ContextKind = iota
	IncomingContext
	OutgoingContext
)

func (k ContextKind) String() string {
	switch k {
	case RootContext:
		return "root"
	case IncomingContext:
		return "incoming"
	case OutgoingContext:
		return "outgoing"
	default:
		return "unknown"
	}
}

// BehaviorContext is the ambient state a chain executes against. Contexts form
// a parent-linked chain mirroring pipeline nesting; the parent link is only
// used for value lookup and never owns the parent.
//
// A context is confined to the goroutine running its pipeline.
type BehaviorContext struct {
	kind     ContextKind
	parent   *BehaviorContext
	builder  builderpkg.Builder
	scope    builderpkg.Scope
	executor *PipelineExecutor
	chain    *BehaviorChain
	ctx      context.Context
	values   map[string]any
	released bool

	physical *PhysicalMessage
	logical  []*LogicalMessage
	aborted  bool

	options DeliveryOptions
	message *LogicalMessage
}

func newRootContext(b builderpkg.Builder, executor *PipelineExecutor) *BehaviorContext {
	return &BehaviorContext{
		kind:     RootContext,
		builder:  b,
		executor: executor,
		ctx:      context.Background(),
	}
}

func newChildContext(kind ContextKind, parent *BehaviorContext) *BehaviorContext {
	scope := parent.builder.NewScope()
	return &BehaviorContext{
		kind:     kind,
		parent:   parent,
		builder:  scope,
		scope:    scope,
		executor: parent.executor,
		ctx:      parent.ctx,
	}
}

// NewIncomingContext wraps a received physical message. parent is the context
// that was current when the message arrived.
func NewIncomingContext(parent *BehaviorContext, msg *PhysicalMessage) *BehaviorContext {
	c := newChildContext(IncomingContext, parent)
	c.physical = msg
	return c
}

// NewOutgoingContext wraps a logical message being sent. parent is the context
// current when the send was initiated.
func NewOutgoingContext(parent *BehaviorContext, options DeliveryOptions, msg *LogicalMessage) *BehaviorContext {
	c := newChildContext(OutgoingContext, parent)
	c.options = options
	c.message = msg
	return c
}

func (c *BehaviorContext) Kind() ContextKind { return c.kind }

// Parent returns nil for the root context.
func (c *BehaviorContext) Parent() *BehaviorContext { return c.parent }

// Builder resolves behaviors and their dependencies for this context.
func (c *BehaviorContext) Builder() builderpkg.Builder { return c.builder }

// Chain returns the chain currently executing against the context, or nil
// before any invocation started.
func (c *BehaviorContext) Chain() *BehaviorChain { return c.chain }

// Context returns the Go context used for tracing spans and values. The
// engine itself never cancels pipelines.
func (c *BehaviorContext) Context() context.Context { return c.ctx }

// SetContext replaces the Go context; nil is ignored.
func (c *BehaviorContext) SetContext(ctx context.Context) {
	if ctx != nil {
		c.ctx = ctx
	}
}

// Set stores a value on this context only.
func (c *BehaviorContext) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Get looks key up on this context, then on each ancestor.
func (c *BehaviorContext) Get(key string) (any, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		if v, ok := cur.values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Remove deletes a value stored on this context. Ancestors are untouched.
func (c *BehaviorContext) Remove(key string) {
	delete(c.values, key)
}

// Value is a typed Get.
func Value[T any](c *BehaviorContext, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Nearest walks up from c (inclusive) to the closest context of kind.
func (c *BehaviorContext) Nearest(kind ContextKind) *BehaviorContext {
	for cur := c; cur != nil; cur = cur.parent {
		if cur.kind == kind {
			return cur
		}
	}
	return nil
}

// PhysicalMessage is the received message on incoming contexts and the
// serialized message on outgoing contexts once serialization ran.
func (c *BehaviorContext) PhysicalMessage() *PhysicalMessage { return c.physical }

// SetPhysicalMessage attaches the serialized form of an outgoing message.
func (c *BehaviorContext) SetPhysicalMessage(msg *PhysicalMessage) { c.physical = msg }

// LogicalMessages are the messages decoded from the incoming physical message.
func (c *BehaviorContext) LogicalMessages() []*LogicalMessage { return c.logical }

// SetLogicalMessages replaces the decoded messages of an incoming context.
func (c *BehaviorContext) SetLogicalMessages(msgs []*LogicalMessage) { c.logical = msgs }

// AbortHandlerInvocation stops handler dispatch for the remaining handlers of
// the current incoming message.
func (c *BehaviorContext) AbortHandlerInvocation() { c.aborted = true }

func (c *BehaviorContext) HandlerInvocationAborted() bool { return c.aborted }

// DeliveryOptions is set on outgoing contexts.
func (c *BehaviorContext) DeliveryOptions() DeliveryOptions { return c.options }

// OutgoingMessage is the logical message carried by an outgoing context.
func (c *BehaviorContext) OutgoingMessage() *LogicalMessage { return c.message }

// Send runs the outgoing pipeline for msg nested under the current context of
// the owning executor.
func (c *BehaviorContext) Send(options DeliveryOptions, msg *LogicalMessage) (*BehaviorContext, error) {
	if c.executor == nil {
		return nil, &errspkg.InvalidStateError{Operation: "send", State: "detached", Err: errspkg.ErrExecutorClosed}
	}
	return c.executor.InvokeSendPipeline(options, msg)
}

// release disposes the owned builder scope. Root contexts borrow the process
// builder and own nothing.
func (c *BehaviorContext) release() error {
	if c.released {
		return nil
	}
	c.released = true
	if c.scope == nil {
		return nil
	}
	return c.scope.Release()
}
