package runtime

import (
	builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"
	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
)

// ExecutorConfig configures a PipelineExecutor. The descriptor lists are
// copied and never change afterwards.
type ExecutorConfig struct {
	Incoming []Descriptor
	Outgoing []Descriptor
	Builder  builderpkg.Builder
	Logger   loggingpkg.ServiceLogger
	// Registry lets several executors share one invocation registry. When
	// nil the executor creates and owns its own.
	Registry *InvocationRegistry
}

// PipelineExecutor runs the incoming and outgoing pipelines and tracks the
// current context. An executor belongs to one flow of execution at a time;
// run one executor per concurrent worker.
type PipelineExecutor struct {
	incoming    []Descriptor
	outgoing    []Descriptor
	rootBuilder builderpkg.Builder
	stack       *ContextStack
	registry    *InvocationRegistry
	ownRegistry bool
	logger      loggingpkg.ServiceLogger
	closed      bool
}

// NewPipelineExecutor validates cfg and returns a ready executor.
func NewPipelineExecutor(cfg ExecutorConfig) (*PipelineExecutor, error) {
	if cfg.Builder == nil {
		return nil, errspkg.ErrBuilderRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}

	e := &PipelineExecutor{
		incoming:    append([]Descriptor(nil), cfg.Incoming...),
		outgoing:    append([]Descriptor(nil), cfg.Outgoing...),
		rootBuilder: cfg.Builder,
		registry:    cfg.Registry,
		logger:      logger,
	}
	if e.registry == nil {
		e.registry = NewInvocationRegistry()
		e.ownRegistry = true
	}
	e.stack = NewContextStack(func() *BehaviorContext {
		return newRootContext(e.rootBuilder, e)
	})
	return e, nil
}

// Incoming returns a copy of the registered incoming descriptors.
func (e *PipelineExecutor) Incoming() []Descriptor {
	return append([]Descriptor(nil), e.incoming...)
}

// Outgoing returns a copy of the registered outgoing descriptors.
func (e *PipelineExecutor) Outgoing() []Descriptor {
	return append([]Descriptor(nil), e.outgoing...)
}

// Instances exposes pipeline invocations to diagnostics subscribers.
func (e *PipelineExecutor) Instances() *InvocationRegistry {
	return e.registry
}

// CurrentContext returns the innermost active context, creating the root
// context on first use.
func (e *PipelineExecutor) CurrentContext() *BehaviorContext {
	return e.stack.Current()
}

// PreparePhysicalMessagePipelineContext pushes an incoming context for msg.
// Pair it with CompletePhysicalMessagePipelineContext.
func (e *PipelineExecutor) PreparePhysicalMessagePipelineContext(msg *PhysicalMessage) (*BehaviorContext, error) {
	if e.closed {
		return nil, errspkg.ErrExecutorClosed
	}
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	ctx := NewIncomingContext(e.CurrentContext(), msg)
	e.stack.Push(ctx)
	return ctx, nil
}

// InvokeReceivePhysicalMessagePipeline runs the incoming behaviors against
// the current context, which must be an incoming context.
func (e *PipelineExecutor) InvokeReceivePhysicalMessagePipeline() error {
	if e.closed {
		return errspkg.ErrExecutorClosed
	}
	current := e.CurrentContext()
	if current.Kind() != IncomingContext {
		return &errspkg.InvalidStateError{
			Operation: "invoke the receive pipeline",
			State:     current.Kind().String(),
			Err:       errspkg.ErrNotAnIncomingContext,
		}
	}
	return e.run(NewBehaviorChain(e.incoming, e.registry), current)
}

// CompletePhysicalMessagePipelineContext pops the incoming context pushed by
// PreparePhysicalMessagePipelineContext and releases its scope.
func (e *PipelineExecutor) CompletePhysicalMessagePipelineContext() error {
	top, ok := e.stack.Peek()
	if !ok || top.Kind() != IncomingContext {
		state := "empty"
		if ok {
			state = top.Kind().String()
		}
		return &errspkg.InvalidStateError{
			Operation: "complete the receive pipeline",
			State:     state,
			Err:       errspkg.ErrNotAnIncomingContext,
		}
	}
	_, err := e.stack.Pop()
	return err
}

// InvokeSendPipeline runs the outgoing behaviors for msg in a new outgoing
// context whose parent is the current context. The context is returned, even
// on failure, so callers can read what behaviors attached to it.
func (e *PipelineExecutor) InvokeSendPipeline(options DeliveryOptions, msg *LogicalMessage) (*BehaviorContext, error) {
	if e.closed {
		return nil, errspkg.ErrExecutorClosed
	}
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	ctx := NewOutgoingContext(e.CurrentContext(), options, msg)
	return ctx, e.InvokePipeline(e.outgoing, ctx)
}

// InvokePipeline runs descriptors against ctx, keeping ctx current for the
// duration of the call. ctx is popped and released however the chain ends.
func (e *PipelineExecutor) InvokePipeline(descriptors []Descriptor, ctx *BehaviorContext) error {
	if e.closed {
		return errspkg.ErrExecutorClosed
	}
	e.stack.Push(ctx)
	defer e.pop(ctx)

	return e.run(NewBehaviorChain(descriptors, e.registry), ctx)
}

// Close releases every context still on the stack and, when the executor
// owns its registry, completes it.
func (e *PipelineExecutor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.stack.Close()
	if e.ownRegistry {
		e.registry.Close()
	}
	return err
}

func (e *PipelineExecutor) run(chain *BehaviorChain, ctx *BehaviorContext) error {
	err := chain.Invoke(ctx)

	pipe := chain.Pipe()
	fields := loggingpkg.LogFields{
		"pipe_id":     pipe.ID(),
		"pipeline":    ctx.Kind().String(),
		"steps":       len(pipe.Steps()),
		"duration_ms": pipe.Duration().Milliseconds(),
	}
	if msg := ctx.PhysicalMessage(); msg != nil {
		fields["message_id"] = msg.ID
	}
	if err != nil {
		e.logger.Error("Pipeline invocation failed", err, fields)
		return err
	}
	e.logger.Trace("Pipeline invocation completed", fields)
	return nil
}

func (e *PipelineExecutor) pop(expected *BehaviorContext) {
	popped, err := e.stack.Pop()
	if err != nil {
		e.logger.Error("Failed to release pipeline context", err, loggingpkg.LogFields{
			"pipeline": expected.Kind().String(),
		})
	}
	if popped != nil && popped != expected {
		e.logger.Error("Unbalanced pipeline context stack", nil, loggingpkg.LogFields{
			"expected": expected.Kind().String(),
			"popped":   popped.Kind().String(),
		})
	}
}
