// Package proto defines the JSON envelope exchanged with relay clients.
//
// Every frame is one JSON object discriminated by its "type" field.
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates envelope variants.
type Type string

const (
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeClientRegister    Type = "clientRegister"
	TypeAppStreamRegister Type = "appstreamRegister"
	TypeMessage           Type = "message"
)

// ErrInvalidMessage is returned for any frame that is not a well-formed envelope.
var ErrInvalidMessage = errors.New("invalid message")

// Registration is the payload of clientRegister and appstreamRegister.
type Registration struct {
	Key string `json:"key"`
}

// Message is a decoded envelope. Registration is set for register kinds and
// Data holds the raw payload of a relay message.
type Message struct {
	Type         Type
	Registration Registration
	Data         json.RawMessage
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses one inbound frame. Unknown types and structurally invalid
// payloads are reported as ErrInvalidMessage.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg := Message{Type: env.Type}
	switch env.Type {
	case TypePing, TypePong:
	case TypeClientRegister, TypeAppStreamRegister:
		if isAbsent(env.Data) {
			return Message{}, fmt.Errorf("%w: %s without data", ErrInvalidMessage, env.Type)
		}
		if err := json.Unmarshal(env.Data, &msg.Registration); err != nil {
			return Message{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, env.Type, err)
		}
		if msg.Registration.Key == "" {
			return Message{}, fmt.Errorf("%w: %s with empty key", ErrInvalidMessage, env.Type)
		}
	case TypeMessage:
		if isAbsent(env.Data) {
			return Message{}, fmt.Errorf("%w: message without data", ErrInvalidMessage)
		}
		msg.Data = env.Data
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
	return msg, nil
}

func isAbsent(data json.RawMessage) bool {
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}

// Encode renders msg as a single JSON object.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.Type}
	switch msg.Type {
	case TypePing, TypePong:
	case TypeClientRegister, TypeAppStreamRegister:
		data, err := json.Marshal(msg.Registration)
		if err != nil {
			return nil, err
		}
		env.Data = data
	case TypeMessage:
		if isAbsent(msg.Data) {
			return nil, fmt.Errorf("%w: message without data", ErrInvalidMessage)
		}
		env.Data = msg.Data
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return json.Marshal(env)
}

// Text builds a relay message carrying a JSON string.
func Text(s string) Message {
	data, _ := json.Marshal(s)
	return Message{Type: TypeMessage, Data: data}
}

// Register builds a registration envelope for the given kind.
func Register(t Type, key string) Message {
	return Message{Type: t, Registration: Registration{Key: key}}
}

var pong = []byte(`{"type":"pong"}`)

// Pong returns the encoded reply to a ping.
func Pong() []byte { return append([]byte(nil), pong...) }
