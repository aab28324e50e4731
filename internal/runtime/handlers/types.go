package handlers

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/behaviorflow/internal/runtime/jsoncodec"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// TypeInfo describes how to materialize one message type from a body.
type TypeInfo struct {
	Name        string
	ContentType string
	New         func() any
}

// MessageTypes maps enclosed message type names to their decoders. It is
// safe for concurrent use.
type MessageTypes struct {
	mu     sync.RWMutex
	byName map[string]TypeInfo
}

// NewMessageTypes returns an empty registry.
func NewMessageTypes() *MessageTypes {
	return &MessageTypes{byName: make(map[string]TypeInfo)}
}

// RegisterProto registers a protobuf message type under its full proto name.
// A nil typed pointer is accepted as prototype.
func RegisterProto[T proto.Message](r *MessageTypes, prototype T) error {
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return err
	}
	r.add(TypeInfo{
		Name:        string(proto.MessageName(prototype)),
		ContentType: ContentTypeProtobufJSON,
		New: func() any {
			cloned := proto.Clone(prototype)
			proto.Reset(cloned)
			return cloned
		},
	})
	return nil
}

// RegisterJSON registers a JSON message type. T must be a pointer type; the
// decoded instance is a fresh T.
func RegisterJSON[T any](r *MessageTypes) error {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	r.add(TypeInfo{
		Name:        TypeName(zero),
		ContentType: ContentTypeJSON,
		New:         func() any { return reflect.New(elem).Interface() },
	})
	return nil
}

func (r *MessageTypes) add(info TypeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[info.Name] = info
}

// Lookup returns the registration for name.
func (r *MessageTypes) Lookup(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	return info, ok
}

// Names lists the registered type names in sorted order.
func (r *MessageTypes) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode materializes body as the registered type name.
func (r *MessageTypes) Decode(name string, body []byte) (any, error) {
	info, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownMessageType, name)
	}
	instance := info.New()
	if msg, ok := instance.(proto.Message); ok {
		if err := protoJSONUnmarshalOptions.Unmarshal(body, msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", name, err)
		}
		return msg, nil
	}
	if err := jsoncodec.Unmarshal(body, instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", name, err)
	}
	return instance, nil
}

// Encode serializes instance: protobuf messages as protojson, everything
// else with the JSON codec. It returns the body and its content type.
func Encode(instance any) ([]byte, string, error) {
	if instance == nil {
		return nil, "", errspkg.ErrEventPayloadRequired
	}
	if msg, ok := instance.(proto.Message); ok {
		body, err := protoJSONMarshalOptions.Marshal(msg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal event payload: %w", err)
		}
		return body, ContentTypeProtobufJSON, nil
	}
	body, err := jsoncodec.Marshal(instance)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return body, ContentTypeJSON, nil
}

// TypeName names a message type. Protobuf messages use their full proto
// name; everything else uses the Go type.
func TypeName(instance any) string {
	switch v := instance.(type) {
	case nil:
		return "unknown"
	case proto.Message:
		return string(proto.MessageName(v))
	default:
		return fmt.Sprintf("%T", v)
	}
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
