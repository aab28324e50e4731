package runtime

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/types/known/structpb"

	metadatapkg "github.com/drblury/behaviorflow/internal/runtime/metadata"
)

func TestNewPhysicalMessage(t *testing.T) {
	headers := metadatapkg.New(HeaderReplyToAddress, "replies", HeaderCorrelationID, "c-1")
	msg := NewPhysicalMessage([]byte("body"), headers)

	assert.Len(t, msg.ID, 26)
	assert.Equal(t, msg.ID, msg.Headers.Get(HeaderMessageID))
	assert.Equal(t, "replies", msg.ReplyToAddress)
	assert.Equal(t, "c-1", msg.CorrelationID())
	assert.False(t, headers.Has(HeaderMessageID), "input headers must not be mutated")
}

func TestPhysicalMessageWatermillRoundTrip(t *testing.T) {
	msg := NewPhysicalMessage([]byte(`{"a":1}`), metadatapkg.New("tenant", "acme"))
	msg.ReplyToAddress = "replies"

	wm := msg.ToWatermill()
	assert.Equal(t, msg.ID, wm.UUID)
	assert.Equal(t, "replies", wm.Metadata.Get(HeaderReplyToAddress))

	back := PhysicalMessageFromWatermill(wm)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.Body, back.Body)
	assert.Equal(t, "acme", back.Headers.Get("tenant"))
	assert.Equal(t, "replies", back.ReplyToAddress)
}

func TestPhysicalMessageFromWatermillFallsBackToUUID(t *testing.T) {
	wm := message.NewMessage("uuid-1", []byte("x"))

	msg := PhysicalMessageFromWatermill(wm)

	assert.Equal(t, "uuid-1", msg.ID)
	assert.Empty(t, msg.CorrelationID())
}

func TestNewLogicalMessage(t *testing.T) {
	headers := metadatapkg.New("k", "v")
	msg := NewLogicalMessage(&structpb.Struct{}, headers)
	headers["k"] = "changed"

	assert.Equal(t, "google.protobuf.Struct", msg.MessageType)
	assert.Equal(t, "v", msg.Headers.Get("k"))
	assert.Equal(t, "*runtime.orderPlaced", MessageTypeOf(&orderPlaced{}))
	assert.Equal(t, "unknown", MessageTypeOf(nil))
}
