package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired        = sterrors.New("behaviorflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("behaviorflow: logger is required")
	ErrBuilderRequired       = sterrors.New("behaviorflow: builder is required")
	ErrPublisherRequired     = sterrors.New("behaviorflow: publisher is required")
	ErrDestinationRequired   = sterrors.New("behaviorflow: destination is required")
	ErrMessageRequired       = sterrors.New("behaviorflow: message is required")
	ErrContextStackEmpty     = sterrors.New("behaviorflow: context stack is empty")
	ErrSnapshotUnderflow     = sterrors.New("behaviorflow: no snapshot to restore")
	ErrContinuationReused    = sterrors.New("behaviorflow: next invoked more than once")
	ErrChainAlreadyInvoked   = sterrors.New("behaviorflow: behavior chain is single-use")
	ErrExecutorClosed        = sterrors.New("behaviorflow: pipeline executor is closed")
	ErrNotAnIncomingContext  = sterrors.New("behaviorflow: current context is not an incoming context")
	ErrHandlerRequired       = sterrors.New("behaviorflow: handler function is required")
	ErrMessageTypeRequired   = sterrors.New("behaviorflow: message type is required")
	ErrServiceRequired       = sterrors.New("behaviorflow: service is required")
	ErrEventPayloadRequired  = sterrors.New("behaviorflow: event payload is required")
	ErrUnsupportedTransport  = sterrors.New("behaviorflow: unsupported transport")
	ErrInvalidBehaviorResult = sterrors.New("behaviorflow: resolved component is not a behavior")
	ErrMessagePointerNeeded  = sterrors.New("behaviorflow: message type must be a pointer")
	ErrUnknownMessageType    = sterrors.New("behaviorflow: unknown message type")
	ErrNoHandlers            = sterrors.New("behaviorflow: no handlers registered for message type")
)

// ConfigValidationError wraps a configuration validation failure.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "behaviorflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ResolutionError reports that the builder could not produce a behavior for a descriptor.
type ResolutionError struct {
	Descriptor string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("behaviorflow: cannot resolve behavior %q: %v", e.Descriptor, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// InvalidStateError reports an operation invoked out of order. It is a
// programming error and is never recovered by the engine.
type InvalidStateError struct {
	Operation string
	State     string
	Err       error
}

func (e *InvalidStateError) Error() string {
	msg := "behaviorflow: cannot " + e.Operation
	if e.State != "" {
		msg += " when the current context is " + e.State
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error { return e.Err }

// UnprocessableMessageError wraps payloads that failed decoding or validation.
type UnprocessableMessageError struct {
	MessageID string
	Err       error
}

func (e *UnprocessableMessageError) Error() string {
	return "behaviorflow: unprocessable message " + e.MessageID + ": " + e.Err.Error()
}

func (e *UnprocessableMessageError) Unwrap() error { return e.Err }

// PanicError carries a recovered panic value out of a pipeline.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("behaviorflow: panic in pipeline: %v", e.Value)
}
