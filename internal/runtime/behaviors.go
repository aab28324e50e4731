package runtime

import (
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/components/delay"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"
	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/behaviorflow/internal/runtime/handlers"
	idspkg "github.com/drblury/behaviorflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
)

// Descriptors of the built-in behaviors.
const (
	RecovererDescriptor      Descriptor = "behaviorflow.recoverer"
	TracerDescriptor         Descriptor = "behaviorflow.tracer"
	HooksDescriptor          Descriptor = "behaviorflow.hooks"
	CorrelationIDDescriptor  Descriptor = "behaviorflow.correlation_id"
	LogMessagesDescriptor    Descriptor = "behaviorflow.log_messages"
	DeserializeDescriptor    Descriptor = "behaviorflow.deserialize"
	ValidateDescriptor       Descriptor = "behaviorflow.validate"
	InvokeHandlersDescriptor Descriptor = "behaviorflow.invoke_handlers"
	SerializeDescriptor      Descriptor = "behaviorflow.serialize"
	DispatchDescriptor       Descriptor = "behaviorflow.dispatch"
)

// Context value keys written by the built-in behaviors.
const (
	CorrelationIDKey       = "behaviorflow.correlation_id"
	DispatchedMessageIDKey = "behaviorflow.dispatched_message_id"
)

const defaultTracerName = "behaviorflow"

// Validator validates decoded payloads. Implementations typically forward to
// protovalidate or a custom struct validator.
type Validator interface {
	Validate(value any) error
}

// MessageHandler handles one decoded message. It may send further messages
// through ctx.Send.
type MessageHandler = handlerpkg.Func[*BehaviorContext]

// HandlerRegistry keeps message handlers per message type.
type HandlerRegistry = handlerpkg.Registry[*BehaviorContext]

// NewHandlerRegistry returns an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return handlerpkg.NewRegistry[*BehaviorContext]()
}

// HandleMessage registers a typed handler for the message type of T.
func HandleMessage[T any](r *HandlerRegistry, fn func(ctx *BehaviorContext, msg T) error) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	var zero T
	name := MessageTypeOf(zero)
	if name == "unknown" {
		return errspkg.ErrMessageTypeRequired
	}
	r.Add(name, handlerpkg.Typed(fn))
	return nil
}

// BuiltinDependencies are the collaborators of the built-in behaviors. Nil
// fields disable the matching concern: a nil Validator skips validation and
// a nil Publisher makes dispatch fail with ErrPublisherRequired.
type BuiltinDependencies struct {
	Logger     loggingpkg.ServiceLogger
	Types      *handlerpkg.MessageTypes
	Handlers   *HandlerRegistry
	Validator  Validator
	Publisher  message.Publisher
	Hooks      PipelineHooks
	TracerName string
}

// RegisterBuiltinBehaviors registers every built-in behavior on r.
func RegisterBuiltinBehaviors(r *builderpkg.Registry, deps BuiltinDependencies) error {
	if deps.Logger == nil {
		deps.Logger = loggingpkg.NewNopServiceLogger()
	}
	if deps.Types == nil {
		deps.Types = handlerpkg.NewMessageTypes()
	}
	if deps.Handlers == nil {
		deps.Handlers = NewHandlerRegistry()
	}
	if deps.TracerName == "" {
		deps.TracerName = defaultTracerName
	}

	return RegisterBehaviors(r,
		StaticBehavior(RecovererDescriptor, RecovererBehavior()),
		StaticBehavior(TracerDescriptor, TracerBehavior(deps.TracerName)),
		StaticBehavior(HooksDescriptor, HooksBehavior(deps.Hooks)),
		StaticBehavior(CorrelationIDDescriptor, CorrelationIDBehavior()),
		StaticBehavior(LogMessagesDescriptor, LogMessagesBehavior(deps.Logger)),
		StaticBehavior(DeserializeDescriptor, DeserializeBehavior(deps.Types)),
		StaticBehavior(ValidateDescriptor, ValidateBehavior(deps.Validator)),
		StaticBehavior(InvokeHandlersDescriptor, InvokeHandlersBehavior(deps.Handlers)),
		StaticBehavior(SerializeDescriptor, SerializeBehavior()),
		StaticBehavior(DispatchDescriptor, DispatchBehavior(deps.Publisher)),
	)
}

// DefaultIncomingBehaviors is the standard receive pipeline.
func DefaultIncomingBehaviors() []Descriptor {
	return []Descriptor{
		RecovererDescriptor,
		TracerDescriptor,
		HooksDescriptor,
		CorrelationIDDescriptor,
		LogMessagesDescriptor,
		DeserializeDescriptor,
		ValidateDescriptor,
		InvokeHandlersDescriptor,
	}
}

// DefaultOutgoingBehaviors is the standard send pipeline.
func DefaultOutgoingBehaviors() []Descriptor {
	return []Descriptor{
		TracerDescriptor,
		HooksDescriptor,
		CorrelationIDDescriptor,
		ValidateDescriptor,
		SerializeDescriptor,
		LogMessagesDescriptor,
		DispatchDescriptor,
	}
}

// RecovererBehavior converts panics in later behaviors into *PanicError.
func RecovererBehavior() Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &errspkg.PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return next()
	})
}

// TracerBehavior wraps the rest of the pipeline in an OpenTelemetry span.
// Outgoing messages carry the trace and span ids in their headers.
func TracerBehavior(tracerName string) Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		tracer := otel.Tracer(tracerName)
		spanCtx, span := tracer.Start(ctx.Context(), "behaviorflow."+ctx.Kind().String(),
			trace.WithAttributes(attribute.String("pipeline.kind", ctx.Kind().String())))
		defer span.End()

		previous := ctx.Context()
		ctx.SetContext(spanCtx)
		defer ctx.SetContext(previous)

		if chain := ctx.Chain(); chain != nil && chain.Pipe() != nil {
			span.SetAttributes(attribute.String("pipe.id", chain.Pipe().ID()))
		}
		if msg := ctx.PhysicalMessage(); msg != nil {
			span.SetAttributes(attribute.String("message.id", msg.ID))
		}
		if msg := ctx.OutgoingMessage(); msg != nil {
			span.SetAttributes(
				attribute.String("message.type", msg.MessageType),
				attribute.String("message.destination", ctx.DeliveryOptions().Destination),
			)
			if sc := span.SpanContext(); sc.IsValid() {
				msg.Headers = msg.Headers.WithAll(map[string]string{
					handlerpkg.MetadataKeyTraceID: sc.TraceID().String(),
					handlerpkg.MetadataKeySpanID:  sc.SpanID().String(),
				})
			}
		}

		err := next()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

// CorrelationIDBehavior makes sure every message carries a correlation id.
// Received messages without one get a fresh id; sent messages inherit the id
// of the message being processed, if any.
func CorrelationIDBehavior() Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		switch ctx.Kind() {
		case IncomingContext:
			msg := ctx.PhysicalMessage()
			id := msg.CorrelationID()
			if id == "" {
				id = idspkg.CreateULID()
				msg.Headers = msg.Headers.With(HeaderCorrelationID, id)
			}
			ctx.Set(CorrelationIDKey, id)
		case OutgoingContext:
			msg := ctx.OutgoingMessage()
			id := msg.Headers.Get(HeaderCorrelationID)
			if id == "" {
				id = ctx.DeliveryOptions().CorrelationID
			}
			if id == "" {
				id, _ = Value[string](ctx, CorrelationIDKey)
			}
			if id == "" {
				id = idspkg.CreateULID()
			}
			msg.Headers = msg.Headers.With(HeaderCorrelationID, id)
			ctx.Set(CorrelationIDKey, id)
		}
		return next()
	})
}

// LogMessagesBehavior logs every message passing through the pipeline.
func LogMessagesBehavior(logger loggingpkg.ServiceLogger) Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		fields := loggingpkg.LogFields{"pipeline": ctx.Kind().String()}
		if msg := ctx.PhysicalMessage(); msg != nil {
			fields["message_id"] = msg.ID
			fields["metadata"] = msg.Headers
			fields["body_size"] = len(msg.Body)
		}
		if msg := ctx.OutgoingMessage(); msg != nil {
			fields["message_type"] = msg.MessageType
			fields["destination"] = ctx.DeliveryOptions().Destination
		}
		logger.Debug("Processing message", fields)
		return next()
	})
}

// DeserializeBehavior decodes the received body into logical messages using
// the enclosed message type header.
func DeserializeBehavior(types *handlerpkg.MessageTypes) Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		msg := ctx.PhysicalMessage()
		if ctx.Kind() != IncomingContext || msg == nil {
			return next()
		}

		typeName := msg.Headers.Get(HeaderEnclosedType)
		if typeName == "" {
			return &errspkg.UnprocessableMessageError{MessageID: msg.ID, Err: errspkg.ErrMessageTypeRequired}
		}
		instance, err := types.Decode(typeName, msg.Body)
		if err != nil {
			return &errspkg.UnprocessableMessageError{MessageID: msg.ID, Err: err}
		}

		ctx.SetLogicalMessages([]*LogicalMessage{{
			MessageType: typeName,
			Instance:    instance,
			Headers:     msg.Headers.Clone(),
		}})
		return next()
	})
}

// ValidateBehavior validates decoded messages on incoming pipelines and the
// message being sent on outgoing pipelines. A nil validator accepts all.
func ValidateBehavior(validator Validator) Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		if validator == nil {
			return next()
		}
		messageID := ""
		if msg := ctx.PhysicalMessage(); msg != nil {
			messageID = msg.ID
		}
		for _, msg := range ctx.LogicalMessages() {
			if err := validator.Validate(msg.Instance); err != nil {
				return &errspkg.UnprocessableMessageError{MessageID: messageID, Err: err}
			}
		}
		if msg := ctx.OutgoingMessage(); msg != nil {
			if err := validator.Validate(msg.Instance); err != nil {
				return &errspkg.UnprocessableMessageError{MessageID: messageID, Err: err}
			}
		}
		return next()
	})
}

// InvokeHandlersBehavior runs the handlers registered for each decoded
// message. A message type without handlers fails the pipeline.
func InvokeHandlersBehavior(handlers *HandlerRegistry) Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		for _, msg := range ctx.LogicalMessages() {
			fns := handlers.For(msg.MessageType)
			if len(fns) == 0 {
				return fmt.Errorf("%w: %s", errspkg.ErrNoHandlers, msg.MessageType)
			}
			for _, fn := range fns {
				if ctx.HandlerInvocationAborted() {
					return next()
				}
				if err := fn(ctx, msg.Instance); err != nil {
					return err
				}
			}
		}
		return next()
	})
}

// SerializeBehavior turns the outgoing logical message into a physical one.
func SerializeBehavior() Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		msg := ctx.OutgoingMessage()
		if ctx.Kind() != OutgoingContext || msg == nil {
			return next()
		}

		body, contentType, err := handlerpkg.Encode(msg.Instance)
		if err != nil {
			return err
		}

		opts := ctx.DeliveryOptions()
		headers := msg.Headers.WithAll(map[string]string{
			HeaderEnclosedType: msg.MessageType,
			HeaderContentType:  contentType,
		})
		if opts.Destination != "" {
			headers = headers.With(HeaderDestination, opts.Destination)
		}
		if opts.ReplyToAddress != "" {
			headers = headers.With(HeaderReplyToAddress, opts.ReplyToAddress)
		}
		if opts.TimeToBeReceived > 0 {
			headers = headers.With(HeaderTimeToBeReceived, strconv.FormatInt(opts.TimeToBeReceived.Milliseconds(), 10))
		}
		if chain := ctx.Chain(); chain != nil && chain.Pipe() != nil {
			headers = headers.With(HeaderOriginatingPipe, chain.Pipe().ID())
		}

		ctx.SetPhysicalMessage(NewPhysicalMessage(body, headers))
		return next()
	})
}

// DispatchBehavior publishes the serialized outgoing message to its
// destination and records the published message id on the context.
func DispatchBehavior(publisher message.Publisher) Behavior {
	return BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		if ctx.Kind() != OutgoingContext {
			return next()
		}
		if publisher == nil {
			return errspkg.ErrPublisherRequired
		}
		physical := ctx.PhysicalMessage()
		if physical == nil {
			return errspkg.ErrMessageRequired
		}
		opts := ctx.DeliveryOptions()
		if opts.Destination == "" {
			return errspkg.ErrDestinationRequired
		}

		wm := physical.ToWatermill()
		wm.SetContext(ctx.Context())
		if opts.Delay > 0 {
			delay.Message(wm, delay.For(opts.Delay))
		}
		if err := publisher.Publish(opts.Destination, wm); err != nil {
			return fmt.Errorf("failed to dispatch message %s to %s: %w", physical.ID, opts.Destination, err)
		}

		ctx.Set(DispatchedMessageIDKey, physical.ID)
		return next()
	})
}
