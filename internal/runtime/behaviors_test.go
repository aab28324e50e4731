package runtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/delay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"
	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/behaviorflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/behaviorflow/internal/runtime/metadata"
)

type logEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (r *recordingLogger) record(level, msg string, fields loggingpkg.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (r *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }
func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, fields)
}
func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, fields)
}
func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, fields)
}
func (r *recordingLogger) Error(msg string, _ error, fields loggingpkg.LogFields) {
	r.record("error", msg, fields)
}

func (r *recordingLogger) messages(level string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

// newBuiltinExecutor registers the built-in behaviors plus extra on a fresh
// registry.
func newBuiltinExecutor(t *testing.T, deps BuiltinDependencies, incoming, outgoing []Descriptor, extra ...BehaviorRegistration) *PipelineExecutor {
	t.Helper()
	r := builderpkg.NewRegistry()
	require.NoError(t, RegisterBuiltinBehaviors(r, deps))
	require.NoError(t, RegisterBehaviors(r, extra...))
	return newTestExecutor(t, r, incoming, outgoing)
}

func incomingJSON(t *testing.T, instance any, headers metadatapkg.Metadata) *PhysicalMessage {
	t.Helper()
	body, contentType, err := handlerpkg.Encode(instance)
	require.NoError(t, err)
	return NewPhysicalMessage(body, headers.WithAll(metadatapkg.Metadata{
		HeaderEnclosedType: MessageTypeOf(instance),
		HeaderContentType:  contentType,
	}))
}

func TestRecovererConvertsPanics(t *testing.T) {
	panicking := BehaviorFunc(func(*BehaviorContext, func() error) error { panic("kaboom") })
	e := newBuiltinExecutor(t, BuiltinDependencies{}, []Descriptor{RecovererDescriptor, "panics"}, nil,
		StaticBehavior("panics", panicking))

	err := receive(e, NewPhysicalMessage(nil, nil))

	var panicErr *errspkg.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Equal(t, 1, e.stack.Depth())
}

func TestTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	boom := errors.New("boom")
	failing := BehaviorFunc(func(*BehaviorContext, func() error) error { return boom })
	pub := &testPublisher{}
	e := newBuiltinExecutor(t, BuiltinDependencies{Publisher: pub},
		[]Descriptor{TracerDescriptor, "fails"},
		[]Descriptor{TracerDescriptor, SerializeDescriptor, DispatchDescriptor},
		StaticBehavior("fails", failing))

	_, err := e.InvokeSendPipeline(DeliveryOptions{Destination: "orders"}, NewLogicalMessage(&orderPlaced{OrderID: "o-1"}, nil))
	require.NoError(t, err)
	assert.ErrorIs(t, receive(e, NewPhysicalMessage(nil, nil)), boom)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "behaviorflow.outgoing", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "behaviorflow.incoming", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), msgs[0].Metadata.Get(handlerpkg.MetadataKeyTraceID))
	assert.Equal(t, spans[0].SpanContext().SpanID().String(), msgs[0].Metadata.Get(handlerpkg.MetadataKeySpanID))
}

func TestCorrelationIDIncoming(t *testing.T) {
	var seen []string
	capture := BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		id, _ := Value[string](ctx, CorrelationIDKey)
		seen = append(seen, id)
		return next()
	})
	e := newBuiltinExecutor(t, BuiltinDependencies{}, []Descriptor{CorrelationIDDescriptor, "capture"}, nil,
		StaticBehavior("capture", capture))

	require.NoError(t, receive(e, NewPhysicalMessage(nil, metadatapkg.New(HeaderCorrelationID, "given"))))
	generated := NewPhysicalMessage(nil, nil)
	require.NoError(t, receive(e, generated))

	require.Len(t, seen, 2)
	assert.Equal(t, "given", seen[0])
	assert.Len(t, seen[1], 26)
	assert.Equal(t, seen[1], generated.CorrelationID())
}

func TestCorrelationIDOutgoingPrecedence(t *testing.T) {
	pub := &testPublisher{}
	e := newBuiltinExecutor(t, BuiltinDependencies{Publisher: pub}, nil,
		[]Descriptor{CorrelationIDDescriptor, SerializeDescriptor, DispatchDescriptor})

	send := func(opts DeliveryOptions, headers metadatapkg.Metadata) string {
		opts.Destination = "orders"
		out, err := e.InvokeSendPipeline(opts, NewLogicalMessage(&orderPlaced{}, headers))
		require.NoError(t, err)
		id, _ := Value[string](out, CorrelationIDKey)
		return id
	}

	assert.Equal(t, "header", send(DeliveryOptions{CorrelationID: "opts"}, metadatapkg.New(HeaderCorrelationID, "header")))
	assert.Equal(t, "opts", send(DeliveryOptions{CorrelationID: "opts"}, nil))
	assert.Len(t, send(DeliveryOptions{}, nil), 26)

	e.CurrentContext().Set(CorrelationIDKey, "ambient")
	assert.Equal(t, "ambient", send(DeliveryOptions{}, nil))

	msgs := pub.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "header", msgs[0].Metadata.Get(HeaderCorrelationID))
	assert.Equal(t, "ambient", msgs[3].Metadata.Get(HeaderCorrelationID))
}

func TestLogMessagesLogsAtDebug(t *testing.T) {
	log := &recordingLogger{}
	e := newBuiltinExecutor(t, BuiltinDependencies{Logger: log}, []Descriptor{LogMessagesDescriptor}, nil)

	require.NoError(t, receive(e, NewPhysicalMessage([]byte("abc"), nil)))

	assert.Equal(t, []string{"Processing message"}, log.messages("debug"))
	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, 3, log.entries[0].fields["body_size"])
	assert.Equal(t, "incoming", log.entries[0].fields["pipeline"])
}

func TestDeserializeFailures(t *testing.T) {
	e := newBuiltinExecutor(t, BuiltinDependencies{}, []Descriptor{DeserializeDescriptor}, nil)

	tests := []struct {
		name    string
		headers metadatapkg.Metadata
		body    string
		want    error
	}{
		{name: "missing type header", want: errspkg.ErrMessageTypeRequired},
		{name: "unknown type", headers: metadatapkg.New(HeaderEnclosedType, "nope"), want: errspkg.ErrUnknownMessageType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := receive(e, NewPhysicalMessage([]byte(tt.body), tt.headers))
			var unprocessable *errspkg.UnprocessableMessageError
			require.ErrorAs(t, err, &unprocessable)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDeserializeDecodesRegisteredTypes(t *testing.T) {
	types := handlerpkg.NewMessageTypes()
	require.NoError(t, handlerpkg.RegisterJSON[*orderPlaced](types))
	require.NoError(t, handlerpkg.RegisterProto(types, &structpb.Struct{}))

	var decoded []*LogicalMessage
	capture := BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		decoded = append(decoded, ctx.LogicalMessages()...)
		return next()
	})
	e := newBuiltinExecutor(t, BuiltinDependencies{Types: types}, []Descriptor{DeserializeDescriptor, "capture"}, nil,
		StaticBehavior("capture", capture))

	st, err := structpb.NewStruct(map[string]any{"sku": "a-1"})
	require.NoError(t, err)
	require.NoError(t, receive(e, incomingJSON(t, &orderPlaced{OrderID: "o-1", Amount: 2}, nil)))
	require.NoError(t, receive(e, incomingJSON(t, st, nil)))

	require.Len(t, decoded, 2)
	assert.Equal(t, &orderPlaced{OrderID: "o-1", Amount: 2}, decoded[0].Instance)
	assert.True(t, proto.Equal(st, decoded[1].Instance.(proto.Message)))
	assert.Equal(t, "google.protobuf.Struct", decoded[1].MessageType)
}

func TestValidateRejectsInvalidMessages(t *testing.T) {
	invalid := errors.New("amount must be positive")
	types := handlerpkg.NewMessageTypes()
	require.NoError(t, handlerpkg.RegisterJSON[*orderPlaced](types))
	e := newBuiltinExecutor(t, BuiltinDependencies{Types: types, Validator: &testValidator{err: invalid}},
		[]Descriptor{DeserializeDescriptor, ValidateDescriptor}, []Descriptor{ValidateDescriptor})

	msg := incomingJSON(t, &orderPlaced{}, nil)
	err := receive(e, msg)
	var unprocessable *errspkg.UnprocessableMessageError
	require.ErrorAs(t, err, &unprocessable)
	assert.Equal(t, msg.ID, unprocessable.MessageID)
	assert.ErrorIs(t, err, invalid)

	_, err = e.InvokeSendPipeline(DeliveryOptions{}, NewLogicalMessage(&orderPlaced{}, nil))
	assert.ErrorIs(t, err, invalid)
}

func TestValidateWithoutValidatorPasses(t *testing.T) {
	e := newBuiltinExecutor(t, BuiltinDependencies{}, nil, []Descriptor{ValidateDescriptor})

	_, err := e.InvokeSendPipeline(DeliveryOptions{}, NewLogicalMessage(&orderPlaced{}, nil))
	assert.NoError(t, err)
}

func TestInvokeHandlers(t *testing.T) {
	types := handlerpkg.NewMessageTypes()
	require.NoError(t, handlerpkg.RegisterJSON[*orderPlaced](types))
	handlers := NewHandlerRegistry()
	var calls []string
	require.NoError(t, HandleMessage(handlers, func(ctx *BehaviorContext, msg *orderPlaced) error {
		calls = append(calls, "first:"+msg.OrderID)
		if msg.OrderID == "stop" {
			ctx.AbortHandlerInvocation()
		}
		return nil
	}))
	require.NoError(t, HandleMessage(handlers, func(_ *BehaviorContext, msg *orderPlaced) error {
		calls = append(calls, "second:"+msg.OrderID)
		return nil
	}))
	e := newBuiltinExecutor(t, BuiltinDependencies{Types: types, Handlers: handlers},
		[]Descriptor{DeserializeDescriptor, InvokeHandlersDescriptor}, nil)

	require.NoError(t, receive(e, incomingJSON(t, &orderPlaced{OrderID: "go"}, nil)))
	require.NoError(t, receive(e, incomingJSON(t, &orderPlaced{OrderID: "stop"}, nil)))

	assert.Equal(t, []string{"first:go", "second:go", "first:stop"}, calls)
}

func TestInvokeHandlersRequiresAHandler(t *testing.T) {
	types := handlerpkg.NewMessageTypes()
	require.NoError(t, handlerpkg.RegisterJSON[*orderPlaced](types))
	e := newBuiltinExecutor(t, BuiltinDependencies{Types: types},
		[]Descriptor{DeserializeDescriptor, InvokeHandlersDescriptor}, nil)

	err := receive(e, incomingJSON(t, &orderPlaced{}, nil))
	assert.ErrorIs(t, err, errspkg.ErrNoHandlers)
}

func TestSerializeSetsHeaders(t *testing.T) {
	var physical *PhysicalMessage
	var pipeID string
	capture := BehaviorFunc(func(ctx *BehaviorContext, next func() error) error {
		physical = ctx.PhysicalMessage()
		pipeID = ctx.Chain().Pipe().ID()
		return next()
	})
	e := newBuiltinExecutor(t, BuiltinDependencies{}, nil, []Descriptor{SerializeDescriptor, "capture"},
		StaticBehavior("capture", capture))

	st, err := structpb.NewStruct(map[string]any{"k": "v"})
	require.NoError(t, err)
	_, err = e.InvokeSendPipeline(DeliveryOptions{
		Destination:      "orders",
		ReplyToAddress:   "replies",
		TimeToBeReceived: 2 * time.Second,
	}, NewLogicalMessage(st, metadatapkg.New("tenant", "acme")))
	require.NoError(t, err)

	require.NotNil(t, physical)
	assert.Equal(t, "google.protobuf.Struct", physical.Headers.Get(HeaderEnclosedType))
	assert.Equal(t, ContentTypeProtobufJSON, physical.Headers.Get(HeaderContentType))
	assert.Equal(t, "orders", physical.Headers.Get(HeaderDestination))
	assert.Equal(t, "replies", physical.ReplyToAddress)
	assert.Equal(t, "2000", physical.Headers.Get(HeaderTimeToBeReceived))
	assert.Equal(t, pipeID, physical.Headers.Get(HeaderOriginatingPipe))
	assert.Equal(t, "acme", physical.Headers.Get("tenant"))
	assert.Equal(t, physical.ID, physical.Headers.Get(HeaderMessageID))
	assert.Contains(t, string(physical.Body), `"k"`)
}

func TestDispatchFailures(t *testing.T) {
	publishErr := errors.New("broker down")
	tests := []struct {
		name      string
		publisher *testPublisher
		pipeline  []Descriptor
		opts      DeliveryOptions
		want      error
	}{
		{name: "no publisher", pipeline: []Descriptor{SerializeDescriptor, DispatchDescriptor}, opts: DeliveryOptions{Destination: "orders"}, want: errspkg.ErrPublisherRequired},
		{name: "not serialized", publisher: &testPublisher{}, pipeline: []Descriptor{DispatchDescriptor}, opts: DeliveryOptions{Destination: "orders"}, want: errspkg.ErrMessageRequired},
		{name: "no destination", publisher: &testPublisher{}, pipeline: []Descriptor{SerializeDescriptor, DispatchDescriptor}, want: errspkg.ErrDestinationRequired},
		{name: "publish error", publisher: &testPublisher{err: publishErr}, pipeline: []Descriptor{SerializeDescriptor, DispatchDescriptor}, opts: DeliveryOptions{Destination: "orders"}, want: publishErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := BuiltinDependencies{}
			if tt.publisher != nil {
				deps.Publisher = tt.publisher
			}
			e := newBuiltinExecutor(t, deps, nil, tt.pipeline)

			_, err := e.InvokeSendPipeline(tt.opts, NewLogicalMessage(&orderPlaced{}, nil))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDispatchAppliesDelay(t *testing.T) {
	pub := &testPublisher{}
	e := newBuiltinExecutor(t, BuiltinDependencies{Publisher: pub}, nil, []Descriptor{SerializeDescriptor, DispatchDescriptor})

	out, err := e.InvokeSendPipeline(DeliveryOptions{Destination: "orders", Delay: time.Minute}, NewLogicalMessage(&orderPlaced{}, nil))
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].Metadata.Get(delay.DelayedUntilKey))
	assert.Equal(t, time.Minute.String(), msgs[0].Metadata.Get(delay.DelayedForKey))
	id, ok := Value[string](out, DispatchedMessageIDKey)
	require.True(t, ok)
	assert.Equal(t, msgs[0].UUID, id)
}

func TestDefaultPipelinesRoundTrip(t *testing.T) {
	types := handlerpkg.NewMessageTypes()
	require.NoError(t, handlerpkg.RegisterJSON[*orderPlaced](types))
	handlers := NewHandlerRegistry()
	var got []*orderPlaced
	var replies []string
	require.NoError(t, HandleMessage(handlers, func(ctx *BehaviorContext, msg *orderPlaced) error {
		got = append(got, msg)
		out, err := ctx.Send(DeliveryOptions{Destination: "audit"}, NewLogicalMessage(&orderPlaced{OrderID: msg.OrderID + "-audit"}, nil))
		if err != nil {
			return err
		}
		id, _ := Value[string](out, DispatchedMessageIDKey)
		replies = append(replies, id)
		return nil
	}))

	pub := &testPublisher{}
	deps := BuiltinDependencies{Types: types, Handlers: handlers, Publisher: pub, Validator: &testValidator{}}
	sender := newBuiltinExecutor(t, deps, DefaultIncomingBehaviors(), DefaultOutgoingBehaviors())
	receiver := newBuiltinExecutor(t, deps, DefaultIncomingBehaviors(), DefaultOutgoingBehaviors())

	_, err := sender.InvokeSendPipeline(DeliveryOptions{Destination: "orders", CorrelationID: "c-1"}, NewLogicalMessage(&orderPlaced{OrderID: "o-1", Amount: 5}, nil))
	require.NoError(t, err)
	require.Len(t, pub.Messages(), 1)

	require.NoError(t, receive(receiver, PhysicalMessageFromWatermill(pub.Messages()[0])))

	require.Len(t, got, 1)
	assert.Equal(t, &orderPlaced{OrderID: "o-1", Amount: 5}, got[0])
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "audit", pub.Topics()[1])
	assert.Equal(t, []string{msgs[1].UUID}, replies)
	assert.Equal(t, "c-1", msgs[1].Metadata.Get(HeaderCorrelationID))
}
