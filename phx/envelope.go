package phx

import (
	"encoding/json"
	"errors"
)

// Well-known protocol events.
const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventLeave     = "phx_leave"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"

	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"

	eventPresenceTrack   = "presence_track"
	eventPresenceUntrack = "presence_untrack"
)

// TopicHeartbeat is the reserved topic heartbeat pushes are addressed to.
const TopicHeartbeat = "phoenix"

// Envelope is the wire message shape shared by every frame in both
// directions. Ref and JoinRef are opaque strings; empty means unassigned.
type Envelope struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Reply is the decoded payload of a phx_reply envelope.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Terminal push statuses.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusTimeout      = "timeout"
	StatusLeft         = "left"
	StatusDisconnected = "disconnected"
)

// Codec encodes and decodes envelopes for one concrete backend framing.
type Codec interface {
	Encode(envelope *Envelope) ([]byte, error)
	Decode(frame []byte) (*Envelope, error)
	Vsn() string
}

// ArrayCodec frames envelopes as the positional five-element JSON array
// [join_ref, ref, topic, event, payload] used by protocol vsn 2.0.0.
type ArrayCodec struct{}

// NewArrayCodec returns a new ArrayCodec.
func NewArrayCodec() *ArrayCodec {
	return &ArrayCodec{}
}

// Vsn returns the protocol version negotiated by this codec.
func (codec *ArrayCodec) Vsn() string { return "2.0.0" }

// Encode serializes the envelope into a positional array frame.
func (codec *ArrayCodec) Encode(envelope *Envelope) ([]byte, error) {
	if envelope == nil {
		return nil, NewError(ProtocolError, "nil envelope")
	}

	parts := [5]interface{}{
		nullableString(envelope.JoinRef),
		nullableString(envelope.Ref),
		envelope.Topic,
		envelope.Event,
		nonNilPayload(envelope.Payload),
	}

	return json.Marshal(parts)
}

// Decode parses a positional array frame into an envelope.
func (codec *ArrayCodec) Decode(frame []byte) (*Envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}
	if len(parts) != 5 {
		return nil, NewError(MalformedFrameError, "expected a five-element array frame")
	}

	envelope := &Envelope{Payload: parts[4]}

	var err error
	if envelope.JoinRef, err = decodeNullableString(parts[0]); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}
	if envelope.Ref, err = decodeNullableString(parts[1]); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}
	if err = json.Unmarshal(parts[2], &envelope.Topic); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}
	if err = json.Unmarshal(parts[3], &envelope.Event); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}

	return envelope, nil
}

// ObjectCodec frames envelopes as an object with named fields, the
// protocol vsn 1.0.0 shape.
type ObjectCodec struct{}

// NewObjectCodec returns a new ObjectCodec.
func NewObjectCodec() *ObjectCodec {
	return &ObjectCodec{}
}

// Vsn returns the protocol version negotiated by this codec.
func (codec *ObjectCodec) Vsn() string { return "1.0.0" }

type objectFrame struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes the envelope into an object frame.
func (codec *ObjectCodec) Encode(envelope *Envelope) ([]byte, error) {
	if envelope == nil {
		return nil, NewError(ProtocolError, "nil envelope")
	}

	return json.Marshal(objectFrame{
		JoinRef: envelope.JoinRef,
		Ref:     envelope.Ref,
		Topic:   envelope.Topic,
		Event:   envelope.Event,
		Payload: nonNilPayload(envelope.Payload),
	})
}

// Decode parses an object frame into an envelope.
func (codec *ObjectCodec) Decode(frame []byte) (*Envelope, error) {
	var decoded objectFrame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}
	if decoded.Topic == "" && decoded.Event == "" {
		return nil, NewError(MalformedFrameError, "frame is missing topic and event")
	}

	return &Envelope{
		JoinRef: decoded.JoinRef,
		Ref:     decoded.Ref,
		Topic:   decoded.Topic,
		Event:   decoded.Event,
		Payload: decoded.Payload,
	}, nil
}

func nullableString(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nonNilPayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}

func decodeNullableString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", errors.New("ref fields must be strings or null")
	}
	return value, nil
}

// decodeReply interprets a phx_reply payload. An undecodable payload is
// reported as an error-status reply carrying the raw payload.
func decodeReply(payload json.RawMessage) Reply {
	var reply Reply
	if err := json.Unmarshal(payload, &reply); err != nil || reply.Status == "" {
		return Reply{Status: StatusError, Response: payload}
	}
	return reply
}
