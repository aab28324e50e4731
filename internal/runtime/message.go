package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	handlerpkg "github.com/drblury/behaviorflow/internal/runtime/handlers"
	idspkg "github.com/drblury/behaviorflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/behaviorflow/internal/runtime/metadata"
)

// Header keys reserved by the pipeline. Custom headers should not reuse them.
const (
	HeaderMessageID         = handlerpkg.MetadataKeyMessageID
	HeaderCorrelationID     = handlerpkg.MetadataKeyCorrelationID
	HeaderEnclosedType      = handlerpkg.MetadataKeyEnclosedType
	HeaderContentType       = handlerpkg.MetadataKeyContentType
	HeaderReplyToAddress    = handlerpkg.MetadataKeyReplyTo
	HeaderTimeToBeReceived  = handlerpkg.MetadataKeyTimeToBeReceived
	HeaderOriginatingPipe   = handlerpkg.MetadataKeyOriginatingPipe
	HeaderDestination       = handlerpkg.MetadataKeyDestination
	ContentTypeJSON         = handlerpkg.ContentTypeJSON
	ContentTypeProtobufJSON = handlerpkg.ContentTypeProtobufJSON
)

// PhysicalMessage is the transport-level message handed to the receive
// pipeline. The engine passes it through untouched; behaviors interpret it.
type PhysicalMessage struct {
	ID             string
	Headers        metadatapkg.Metadata
	Body           []byte
	ReplyToAddress string
}

// NewPhysicalMessage creates a message with a fresh ULID identifier.
func NewPhysicalMessage(body []byte, headers metadatapkg.Metadata) *PhysicalMessage {
	msg := &PhysicalMessage{
		ID:      idspkg.CreateULID(),
		Headers: headers.Clone(),
		Body:    body,
	}
	msg.Headers[HeaderMessageID] = msg.ID
	msg.ReplyToAddress = msg.Headers.Get(HeaderReplyToAddress)
	return msg
}

// PhysicalMessageFromWatermill converts a received Watermill message.
func PhysicalMessageFromWatermill(msg *message.Message) *PhysicalMessage {
	headers := metadatapkg.FromWatermill(msg.Metadata)
	id := headers.Get(HeaderMessageID)
	if id == "" {
		id = msg.UUID
	}
	return &PhysicalMessage{
		ID:             id,
		Headers:        headers,
		Body:           msg.Payload,
		ReplyToAddress: headers.Get(HeaderReplyToAddress),
	}
}

// ToWatermill converts the message into a Watermill message ready to publish.
func (m *PhysicalMessage) ToWatermill() *message.Message {
	wm := message.NewMessage(m.ID, m.Body)
	wm.Metadata = metadatapkg.ToWatermill(m.Headers)
	wm.Metadata.Set(HeaderMessageID, m.ID)
	if m.ReplyToAddress != "" {
		wm.Metadata.Set(HeaderReplyToAddress, m.ReplyToAddress)
	}
	return wm
}

// CorrelationID returns the correlation header, if any.
func (m *PhysicalMessage) CorrelationID() string {
	return m.Headers.Get(HeaderCorrelationID)
}

// LogicalMessage is an application-level message: a typed instance plus headers.
type LogicalMessage struct {
	MessageType string
	Instance    any
	Headers     metadatapkg.Metadata
}

// NewLogicalMessage wraps instance, deriving MessageType from it.
func NewLogicalMessage(instance any, headers metadatapkg.Metadata) *LogicalMessage {
	return &LogicalMessage{
		MessageType: MessageTypeOf(instance),
		Instance:    instance,
		Headers:     headers.Clone(),
	}
}

// MessageTypeOf names a message type. Protobuf messages use their full proto
// name; everything else uses the Go type.
func MessageTypeOf(instance any) string {
	return handlerpkg.TypeName(instance)
}

// DeliveryOptions describe where and how an outgoing message is delivered.
type DeliveryOptions struct {
	Destination      string
	ReplyToAddress   string
	CorrelationID    string
	TimeToBeReceived time.Duration
	Delay            time.Duration
}
