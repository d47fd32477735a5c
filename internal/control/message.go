// Package control implements the control-channel protocol carried over a
// connection's framed SSH session channel: tagged request/response/event
// messages, correlation-ID routing, per-call deadlines, and the handler
// registries that dispatch inbound messages.
package control

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the three message shapes the protocol carries.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Message is the wire shape of every frame exchanged on a control channel.
// ID is present on requests and on the response correlating to them; it is
// absent (or ignored) on events.
type Message struct {
	Kind    Kind            `json:"kind"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the shape of a failed request's response payload.
type ErrorPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// CheckOK inspects a response Message's payload for the {"ok": bool,
// "error"?: string} envelope every handler returns (spec §7) and converts
// ok:false into a Go error. A payload that omits "ok" entirely (a bare
// data object) is treated as success, since not every successful response
// shape round-trips through ErrorPayload.
func CheckOK(msg Message) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	var ack struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return nil
	}
	if ack.OK != nil && !*ack.OK {
		if ack.Error != "" {
			return Errorf(KindExternalToolError, "%s", ack.Error)
		}
		return Errorf(KindExternalToolError, "remote handler reported failure")
	}
	return nil
}

// marshalPayload encodes v as a Message's payload.
func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// NewRequest builds a request Message with the caller-supplied ID and the
// current timestamp.
func NewRequest(id, typ string, payload any) (Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindRequest, Type: typ, ID: id, TS: time.Now(), Payload: raw}, nil
}

// NewEvent builds an event Message; events carry no correlation ID.
func NewEvent(typ string, payload any) (Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindEvent, Type: typ, TS: time.Now(), Payload: raw}, nil
}

// NewResponse builds a success or error response correlated to id.
func NewResponse(id string, payload any, handlerErr error) (Message, error) {
	if handlerErr != nil {
		raw, err := marshalPayload(ErrorPayload{OK: false, Error: handlerErr.Error()})
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindResponse, ID: id, TS: time.Now(), Payload: raw}, nil
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindResponse, ID: id, TS: time.Now(), Payload: raw}, nil
}
