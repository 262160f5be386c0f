package events

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

type EventType string

// The four frame tags of the backend streaming contract. The backend emits
// exactly one meta before any token, and exactly one terminal frame (done or
// error) per turn.
const (
	// EventTypeMeta announces the backend-assigned id of the in-flight
	// assistant message, plus the model answering.
	EventTypeMeta EventType = "meta"
	// EventTypeToken carries one content fragment to append.
	EventTypeToken EventType = "token"
	// EventTypeDone terminates the stream; it may carry the authoritative
	// final content as well as citations and usage.
	EventTypeDone EventType = "done"
	// EventTypeError terminates the stream with a backend-reported failure.
	EventTypeError EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON payload if the event was deserialized (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
// This is used by NewEventFromJson and external decoders.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

// EventMeta is emitted once per turn, before any token, so partial frames can
// be addressed to the right message.
type EventMeta struct {
	EventImpl
	MessageID string `json:"message_id"`
	Model     string `json:"model,omitempty"`
}

func NewMetaEvent(metadata EventMetadata, messageID string, model string) *EventMeta {
	return &EventMeta{
		EventImpl: EventImpl{
			Type_:     EventTypeMeta,
			Metadata_: metadata,
		},
		MessageID: messageID,
		Model:     model,
	}
}

var _ Event = &EventMeta{}

// EventToken carries one streamed content fragment, in frame-arrival order.
type EventToken struct {
	EventImpl
	Delta string `json:"delta"`
}

func NewTokenEvent(metadata EventMetadata, delta string) *EventToken {
	return &EventToken{
		EventImpl: EventImpl{
			Type_:     EventTypeToken,
			Metadata_: metadata,
		},
		Delta: delta,
	}
}

var _ Event = &EventToken{}

// EventDone signals a completed turn. FinalContent, when present, replaces
// the token-accumulated text; citations and usage are optional extras the
// document-chat backend attaches to the answer.
type EventDone struct {
	EventImpl
	FinalContent *string    `json:"final_content,omitempty"`
	Citations    []Citation `json:"citations,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

func NewDoneEvent(metadata EventMetadata, finalContent *string) *EventDone {
	return &EventDone{
		EventImpl: EventImpl{
			Type_:     EventTypeDone,
			Metadata_: metadata,
		},
		FinalContent: finalContent,
	}
}

var _ Event = &EventDone{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl: EventImpl{
			Type_:     EventTypeError,
			Metadata_: metadata,
		},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// EventMetadata contains the correlation information that travels with every
// watermill message published for a chat turn.
type EventMetadata struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	Model          string `json:"model,omitempty"`

	// Extra carries backend-specific context values
	Extra map[string]interface{} `json:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}

// NewEventFromJson decodes one frame payload into its typed event. The type
// discriminator is the "type" field; externally registered decoders (see
// registry.go) take precedence over the built-in frame tags.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	_ = json.Unmarshal(b, &hdr)

	if hdr.Type != "" {
		if dec := lookupDecoder(string(hdr.Type)); dec != nil {
			if ev, err := dec(b); err == nil && ev != nil {
				if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
					setter.SetPayload(b)
				}
				return ev, nil
			}
		}
	}

	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeMeta:
		ret, ok := ToTypedEvent[EventMeta](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventMeta")
		}
		return ret, nil
	case EventTypeToken:
		ret, ok := ToTypedEvent[EventToken](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventToken")
		}
		return ret, nil
	case EventTypeDone:
		ret, ok := ToTypedEvent[EventDone](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventDone")
		}
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventError")
		}
		return ret, nil
	}

	return nil, fmt.Errorf("unknown event type: %s", e.Type_)
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}
	if ret == nil {
		return nil, false
	}

	if setter, ok := any(ret).(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(e.Payload())
	}

	return ret, true
}
