package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/behaviorflow/internal/runtime/metadata"
)

// HookContext describes one pipeline invocation to hooks.
type HookContext struct {
	// Kind is the pipeline kind: incoming or outgoing.
	Kind ContextKind
	// PipeID identifies the invocation trace.
	PipeID string
	// MessageID is the physical message id when one is known.
	MessageID string
	// MessageType is the logical message type for outgoing pipelines.
	MessageType string
	// Destination is set for outgoing pipelines.
	Destination string
	// Metadata holds the message headers.
	Metadata metadatapkg.Metadata
	// Context is the Go context of the behavior context.
	Context context.Context
	// StartedAt is when the hook behavior started.
	StartedAt time.Time
	// Duration is how long the rest of the pipeline took (only set in OnDone and OnError).
	Duration time.Duration
}

// PipelineHooks defines callbacks for pipeline lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type PipelineHooks struct {
	// OnStart is called before the behaviors after the hook behavior run.
	OnStart func(ctx HookContext)

	// OnDone is called when the remaining behaviors completed without error.
	OnDone func(ctx HookContext)

	// OnError is called when the remaining behaviors returned an error.
	OnError func(ctx HookContext, err error)
}

// IsZero reports whether no hook is set.
func (h PipelineHooks) IsZero() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnError == nil
}

// Merge combines two PipelineHooks, creating a new PipelineHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h PipelineHooks) Merge(other PipelineHooks) PipelineHooks {
	return PipelineHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksBehavior invokes hooks around the rest of the pipeline.
func HooksBehavior(hooks PipelineHooks) Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		if hooks.IsZero() {
			return next()
		}

		hookCtx := newHookContext(ctx)
		if hooks.OnStart != nil {
			hooks.OnStart(hookCtx)
		}

		err := next()
		hookCtx.Duration = time.Since(hookCtx.StartedAt)

		if err != nil {
			if hooks.OnError != nil {
				hooks.OnError(hookCtx, err)
			}
		} else if hooks.OnDone != nil {
			hooks.OnDone(hookCtx)
		}
		return err
	})
}

func newHookContext(ctx *BehaviorContext) HookContext {
	hookCtx := HookContext{
		Kind:      ctx.Kind(),
		Context:   ctx.Context(),
		StartedAt: time.Now(),
	}
	if chain := ctx.Chain(); chain != nil && chain.Pipe() != nil {
		hookCtx.PipeID = chain.Pipe().ID()
	}
	if msg := ctx.PhysicalMessage(); msg != nil {
		hookCtx.MessageID = msg.ID
		hookCtx.Metadata = msg.Headers
	}
	if msg := ctx.OutgoingMessage(); msg != nil {
		hookCtx.MessageType = msg.MessageType
		hookCtx.Destination = ctx.DeliveryOptions().Destination
		if hookCtx.Metadata == nil {
			hookCtx.Metadata = msg.Headers
		}
	}
	return hookCtx
}

// LoggingHooks returns pre-built hooks that log pipeline lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) PipelineHooks {
	return PipelineHooks{
		OnStart: func(ctx HookContext) {
			logger.Info("Pipeline started", loggingpkg.LogFields{
				"pipeline":   ctx.Kind.String(),
				"pipe_id":    ctx.PipeID,
				"message_id": ctx.MessageID,
			})
		},
		OnDone: func(ctx HookContext) {
			logger.Info("Pipeline completed", loggingpkg.LogFields{
				"pipeline":    ctx.Kind.String(),
				"pipe_id":     ctx.PipeID,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnError: func(ctx HookContext, err error) {
			logger.Error("Pipeline failed", err, loggingpkg.LogFields{
				"pipeline":    ctx.Kind.String(),
				"pipe_id":     ctx.PipeID,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on pipeline errors.
func AlertingHooks(alertFunc func(ctx HookContext, err error)) PipelineHooks {
	return PipelineHooks{
		OnError: alertFunc,
	}
}
