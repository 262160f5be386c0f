package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJsonMeta(t *testing.T) {
	payload := []byte(`{"type":"meta","message_id":"srv-1","model":"figaro-large"}`)

	e, err := NewEventFromJson(payload)
	require.NoError(t, err)

	meta, ok := e.(*EventMeta)
	require.True(t, ok)
	assert.Equal(t, EventTypeMeta, meta.Type())
	assert.Equal(t, "srv-1", meta.MessageID)
	assert.Equal(t, "figaro-large", meta.Model)
	assert.Equal(t, payload, meta.Payload())
}

func TestNewEventFromJsonToken(t *testing.T) {
	e, err := NewEventFromJson([]byte(`{"type":"token","delta":"hel"}`))
	require.NoError(t, err)

	token, ok := e.(*EventToken)
	require.True(t, ok)
	assert.Equal(t, "hel", token.Delta)
}

func TestNewEventFromJsonDone(t *testing.T) {
	payload := []byte(`{
		"type": "done",
		"final_content": "hello world",
		"citations": [{"document_id": "doc-1", "page": 3, "quote": "world"}],
		"usage": {"input_tokens": 10, "output_tokens": 2}
	}`)

	e, err := NewEventFromJson(payload)
	require.NoError(t, err)

	done, ok := e.(*EventDone)
	require.True(t, ok)
	require.NotNil(t, done.FinalContent)
	assert.Equal(t, "hello world", *done.FinalContent)
	require.Len(t, done.Citations, 1)
	assert.Equal(t, "doc-1", done.Citations[0].DocumentID)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 10, done.Usage.InputTokens)
}

func TestNewEventFromJsonDoneWithoutFinalContent(t *testing.T) {
	e, err := NewEventFromJson([]byte(`{"type":"done"}`))
	require.NoError(t, err)

	done, ok := e.(*EventDone)
	require.True(t, ok)
	assert.Nil(t, done.FinalContent)
}

func TestNewEventFromJsonError(t *testing.T) {
	e, err := NewEventFromJson([]byte(`{"type":"error","error_string":"model overloaded"}`))
	require.NoError(t, err)

	errEvent, ok := e.(*EventError)
	require.True(t, ok)
	assert.Equal(t, "model overloaded", errEvent.ErrorString)
}

func TestNewEventFromJsonUnknownType(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"heartbeat"}`))
	require.Error(t, err)
}

func TestNewEventFromJsonMalformed(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":`))
	require.Error(t, err)
}

func TestEventMetadataRoundTrip(t *testing.T) {
	md := EventMetadata{
		ConversationID: "c-1",
		MessageID:      "m-1",
		TurnID:         "t-1",
		Model:          "figaro-large",
	}
	e := NewTokenEvent(md, "x")

	b, err := json.Marshal(e)
	require.NoError(t, err)

	parsed, err := NewEventFromJson(b)
	require.NoError(t, err)
	assert.Equal(t, md, parsed.Metadata())
}

type pingEvent struct {
	EventImpl
	Seq int `json:"seq"`
}

func TestRegisteredDecoderTakesPrecedence(t *testing.T) {
	require.NoError(t, RegisterEventFactory("ping", func() Event {
		return &pingEvent{EventImpl: EventImpl{Type_: "ping"}}
	}))

	e, err := NewEventFromJson([]byte(`{"type":"ping","seq":7}`))
	require.NoError(t, err)

	ping, ok := e.(*pingEvent)
	require.True(t, ok)
	assert.Equal(t, 7, ping.Seq)

	err = RegisterEventCodec("ping", func(b []byte) (Event, error) { return nil, nil })
	require.Error(t, err)
}

func TestToTypedEvent(t *testing.T) {
	e, err := NewEventFromJson([]byte(`{"type":"token","delta":"abc"}`))
	require.NoError(t, err)

	token, ok := ToTypedEvent[EventToken](e)
	require.True(t, ok)
	assert.Equal(t, "abc", token.Delta)
}
