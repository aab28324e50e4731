package runtime

import (
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/behaviorflow/internal/runtime/handlers"
)

// RegisterProtoHandler registers T as a protojson-encoded message type on the
// service and fn as one of its handlers.
func RegisterProtoHandler[T proto.Message](svc *Service, fn func(ctx *BehaviorContext, msg T) error) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	var zero T
	if err := handlerpkg.RegisterProto(svc.types, zero); err != nil {
		return err
	}
	return HandleMessage(svc.handlers, fn)
}

// RegisterJSONHandler registers T as a JSON message type on the service and fn
// as one of its handlers. T must be a pointer type.
func RegisterJSONHandler[T any](svc *Service, fn func(ctx *BehaviorContext, msg T) error) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := handlerpkg.RegisterJSON[T](svc.types); err != nil {
		return err
	}
	return HandleMessage(svc.handlers, fn)
}

// RegisterProtoMessage exposes a proto message type for decoding without
// registering a handler, e.g. for types only ever sent.
func (s *Service) RegisterProtoMessage(msg proto.Message) error {
	return handlerpkg.RegisterProto(s.types, msg)
}
