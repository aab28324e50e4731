package handlers

// Metadata key constants used throughout behaviorflow.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyMessageID carries the physical message identifier.
	MetadataKeyMessageID = "behaviorflow_message_id"

	// MetadataKeyCorrelationID tracks related messages across services.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyEnclosedType names the logical message type in the body.
	MetadataKeyEnclosedType = "behaviorflow_enclosed_message_type"

	// MetadataKeyContentType describes how the body is encoded.
	MetadataKeyContentType = "behaviorflow_content_type"

	// MetadataKeyReplyTo is the address replies should be sent to.
	MetadataKeyReplyTo = "behaviorflow_reply_to"

	// MetadataKeyTimeToBeReceived bounds how long the message stays relevant.
	MetadataKeyTimeToBeReceived = "behaviorflow_time_to_be_received"

	// MetadataKeyOriginatingPipe records the pipe id that sent the message.
	MetadataKeyOriginatingPipe = "behaviorflow_originating_pipe"

	// MetadataKeyDestination records the queue the message was dispatched to.
	MetadataKeyDestination = "behaviorflow_destination"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)

// Content types written to MetadataKeyContentType.
const (
	ContentTypeJSON         = "application/json"
	ContentTypeProtobufJSON = "application/protobuf+json"
)
