package behaviorflow

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/behaviorflow/internal/runtime"
	builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"
	configpkg "github.com/drblury/behaviorflow/internal/runtime/config"
	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/behaviorflow/internal/runtime/handlers"
	idspkg "github.com/drblury/behaviorflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/behaviorflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/behaviorflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/behaviorflow/internal/runtime/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Validator           = runtimepkg.Validator
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportFunc       = transportpkg.FactoryFunc

	// Engine
	Descriptor           = builderpkg.Descriptor
	BehaviorRegistry     = builderpkg.Registry
	BehaviorFactory      = builderpkg.Factory
	Behavior             = runtimepkg.Behavior
	BehaviorFunc         = runtimepkg.BehaviorFunc
	BehaviorRegistration = runtimepkg.BehaviorRegistration
	BehaviorChain        = runtimepkg.BehaviorChain
	BehaviorContext      = runtimepkg.BehaviorContext
	ContextKind          = runtimepkg.ContextKind
	ContextStack         = runtimepkg.ContextStack
	PipelineExecutor     = runtimepkg.PipelineExecutor
	ExecutorConfig       = runtimepkg.ExecutorConfig
	BuiltinDependencies  = runtimepkg.BuiltinDependencies

	// Execution traces
	Pipe               = runtimepkg.Pipe
	PipeSnapshot       = runtimepkg.PipeSnapshot
	Step               = runtimepkg.Step
	InvocationRegistry = runtimepkg.InvocationRegistry

	// Messages
	PhysicalMessage = runtimepkg.PhysicalMessage
	LogicalMessage  = runtimepkg.LogicalMessage
	DeliveryOptions = runtimepkg.DeliveryOptions
	Metadata        = metadatapkg.Metadata
	MessageTypes    = handlerpkg.MessageTypes
	MessageHandler  = runtimepkg.MessageHandler
	HandlerRegistry = runtimepkg.HandlerRegistry

	// Hooks
	HookContext   = runtimepkg.HookContext
	PipelineHooks = runtimepkg.PipelineHooks

	// Metrics
	PipelineMetrics         = runtimepkg.PipelineMetrics
	PipelineMetricsSnapshot = runtimepkg.PipelineMetricsSnapshot
	PipelineStats           = runtimepkg.PipelineStats
	ErrorCategory           = runtimepkg.ErrorCategory

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError     = errspkg.ConfigValidationError
	ResolutionError           = errspkg.ResolutionError
	InvalidStateError         = errspkg.InvalidStateError
	UnprocessableMessageError = errspkg.UnprocessableMessageError
	PanicError                = errspkg.PanicError
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewBehaviorRegistry      = builderpkg.NewRegistry
	RegisterBehaviors        = runtimepkg.RegisterBehaviors
	StaticBehavior           = runtimepkg.StaticBehavior
	RegisterBuiltinBehaviors = runtimepkg.RegisterBuiltinBehaviors
	DefaultIncomingBehaviors = runtimepkg.DefaultIncomingBehaviors
	DefaultOutgoingBehaviors = runtimepkg.DefaultOutgoingBehaviors
	NewPipelineExecutor      = runtimepkg.NewPipelineExecutor
	NewInvocationRegistry    = runtimepkg.NewInvocationRegistry
	NewBehaviorChain         = runtimepkg.NewBehaviorChain
	NewHandlerRegistry       = runtimepkg.NewHandlerRegistry
	NewMessageTypes          = handlerpkg.NewMessageTypes
	NewPhysicalMessage       = runtimepkg.NewPhysicalMessage
	NewLogicalMessage        = runtimepkg.NewLogicalMessage
	MessageTypeOf            = runtimepkg.MessageTypeOf
	DefaultTransportFactory  = transportpkg.DefaultFactory

	RecovererBehavior      = runtimepkg.RecovererBehavior
	TracerBehavior         = runtimepkg.TracerBehavior
	HooksBehavior          = runtimepkg.HooksBehavior
	CorrelationIDBehavior  = runtimepkg.CorrelationIDBehavior
	LogMessagesBehavior    = runtimepkg.LogMessagesBehavior
	DeserializeBehavior    = runtimepkg.DeserializeBehavior
	ValidateBehavior       = runtimepkg.ValidateBehavior
	InvokeHandlersBehavior = runtimepkg.InvokeHandlersBehavior
	SerializeBehavior      = runtimepkg.SerializeBehavior
	DispatchBehavior       = runtimepkg.DispatchBehavior

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewPipelineMetrics = runtimepkg.NewPipelineMetrics

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrBuilderRequired       = errspkg.ErrBuilderRequired
	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrDestinationRequired   = errspkg.ErrDestinationRequired
	ErrMessageRequired       = errspkg.ErrMessageRequired
	ErrMessageTypeRequired   = errspkg.ErrMessageTypeRequired
	ErrMessagePointerNeeded  = errspkg.ErrMessagePointerNeeded
	ErrUnknownMessageType    = errspkg.ErrUnknownMessageType
	ErrNoHandlers            = errspkg.ErrNoHandlers
	ErrContinuationReused    = errspkg.ErrContinuationReused
	ErrSnapshotUnderflow     = errspkg.ErrSnapshotUnderflow
	ErrChainAlreadyInvoked   = errspkg.ErrChainAlreadyInvoked
	ErrExecutorClosed        = errspkg.ErrExecutorClosed
	ErrNotAnIncomingContext  = errspkg.ErrNotAnIncomingContext
	ErrInvalidBehaviorResult = errspkg.ErrInvalidBehaviorResult
	ErrUnsupportedTransport  = errspkg.ErrUnsupportedTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Context kinds.
const (
	RootContext     = runtimepkg.RootContext
	IncomingContext = runtimepkg.IncomingContext
	OutgoingContext = runtimepkg.OutgoingContext
)

// Built-in behavior descriptors.
const (
	RecovererDescriptor      = runtimepkg.RecovererDescriptor
	TracerDescriptor         = runtimepkg.TracerDescriptor
	HooksDescriptor          = runtimepkg.HooksDescriptor
	CorrelationIDDescriptor  = runtimepkg.CorrelationIDDescriptor
	LogMessagesDescriptor    = runtimepkg.LogMessagesDescriptor
	DeserializeDescriptor    = runtimepkg.DeserializeDescriptor
	ValidateDescriptor       = runtimepkg.ValidateDescriptor
	InvokeHandlersDescriptor = runtimepkg.InvokeHandlersDescriptor
	SerializeDescriptor      = runtimepkg.SerializeDescriptor
	DispatchDescriptor       = runtimepkg.DispatchDescriptor
)

// Context keys written by the built-in behaviors.
const (
	CorrelationIDKey       = runtimepkg.CorrelationIDKey
	DispatchedMessageIDKey = runtimepkg.DispatchedMessageIDKey
)

// Metadata keys - use these constants for standard metadata fields.
const (
	HeaderMessageID        = runtimepkg.HeaderMessageID
	HeaderCorrelationID    = runtimepkg.HeaderCorrelationID
	HeaderEnclosedType     = runtimepkg.HeaderEnclosedType
	HeaderContentType      = runtimepkg.HeaderContentType
	HeaderReplyToAddress   = runtimepkg.HeaderReplyToAddress
	HeaderTimeToBeReceived = runtimepkg.HeaderTimeToBeReceived
	HeaderOriginatingPipe  = runtimepkg.HeaderOriginatingPipe
	HeaderDestination      = runtimepkg.HeaderDestination
	MetadataKeyTraceID     = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID      = handlerpkg.MetadataKeySpanID
)

// Error categories reported in PipelineStats.
const (
	ErrorCategoryResolution    = runtimepkg.ErrorCategoryResolution
	ErrorCategoryUnprocessable = runtimepkg.ErrorCategoryUnprocessable
	ErrorCategoryPanic         = runtimepkg.ErrorCategoryPanic
	ErrorCategoryInvalidState  = runtimepkg.ErrorCategoryInvalidState
	ErrorCategoryCanceled      = runtimepkg.ErrorCategoryCanceled
	ErrorCategoryOther         = runtimepkg.ErrorCategoryOther
)

func RegisterJSONHandler[T any](svc *Service, fn func(ctx *BehaviorContext, msg T) error) error {
	return runtimepkg.RegisterJSONHandler(svc, fn)
}

func RegisterProtoHandler[T proto.Message](svc *Service, fn func(ctx *BehaviorContext, msg T) error) error {
	return runtimepkg.RegisterProtoHandler(svc, fn)
}

func HandleMessage[T any](r *HandlerRegistry, fn func(ctx *BehaviorContext, msg T) error) error {
	return runtimepkg.HandleMessage(r, fn)
}

// Value resolves key on ctx or its nearest ancestor holding it.
func Value[T any](ctx *BehaviorContext, key string) (T, bool) {
	return runtimepkg.Value[T](ctx, key)
}
