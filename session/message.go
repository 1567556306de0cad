package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"dispatchflow/dispatch"
)

// Wire message types.
const (
	TypeCreateDispatch = "create.dispatch"
	TypeUpdateDispatch = "update.dispatch"
	TypeEcho           = "echo.message"
	TypeError          = "error.message"
)

// Message is one decoded inbound frame. The concrete type is one of
// CreateDispatch, UpdateDispatch, Echo or Unrecognized.
type Message interface {
	Type() string
	isMessage()
}

type CreateDispatch struct {
	Request dispatch.CreateRequest
}

type UpdateDispatch struct {
	Request dispatch.UpdateRequest
}

// Echo carries the inbound frame verbatim. Group comes from the envelope's
// group key or, failing that, data.group. An empty Group means reply to the sender.
type Echo struct {
	Group string
	Raw   []byte
}

// Unrecognized is any frame whose type is not handled. It has no effect.
type Unrecognized struct {
	Name string
}

func (CreateDispatch) Type() string { return TypeCreateDispatch }
func (UpdateDispatch) Type() string { return TypeUpdateDispatch }
func (Echo) Type() string           { return TypeEcho }
func (u Unrecognized) Type() string { return u.Name }

func (CreateDispatch) isMessage() {}
func (UpdateDispatch) isMessage() {}
func (Echo) isMessage()           {}
func (Unrecognized) isMessage()   {}

type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Group string          `json:"group,omitempty"`
}

// Decode parses raw into a Message. Frames that are not a JSON object, or
// whose data does not fit the named type, yield a *dispatch.ValidationError.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &dispatch.ValidationError{Reason: "message must be a JSON object with a string type"}
	}

	switch env.Type {
	case TypeCreateDispatch:
		var req dispatch.CreateRequest
		if err := decodeData(env.Data, &req); err != nil {
			return nil, err
		}
		return CreateDispatch{Request: req}, nil
	case TypeUpdateDispatch:
		var req dispatch.UpdateRequest
		if err := decodeData(env.Data, &req); err != nil {
			return nil, err
		}
		return UpdateDispatch{Request: req}, nil
	case TypeEcho:
		return Echo{Group: echoGroup(env), Raw: raw}, nil
	default:
		return Unrecognized{Name: env.Type}, nil
	}
}

// echoGroup returns the echo target: the envelope's group key, else a
// string group inside an object payload. Any other payload has no target.
func echoGroup(env envelope) string {
	if env.Group != "" {
		return env.Group
	}
	var data struct {
		Group string `json:"group"`
	}
	if len(env.Data) == 0 || env.Data[0] != '{' || json.Unmarshal(env.Data, &data) != nil {
		return ""
	}
	return data.Group
}

func decodeData(data json.RawMessage, dst any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &dispatch.ValidationError{Field: "data", Reason: fmt.Sprintf("malformed payload: %v", err)}
	}
	return nil
}

// outbound is the envelope written to connections.
type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorBody struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Request string `json:"request,omitempty"`
}

func encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(outbound{Type: msgType, Data: data})
}
