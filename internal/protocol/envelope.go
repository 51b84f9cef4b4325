// Package protocol defines the JSON envelope exchanged over every WebSocket
// connection and the closed vocabulary of message types it may carry.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of an envelope. Values are case-sensitive.
type Type string

// Message types understood by the relay.
const (
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeMessage     Type = "message"
	TypeBroadcast   Type = "broadcast"
	TypeJoinRoom    Type = "join_room"
	TypeLeaveRoom   Type = "leave_room"
	TypeRoomMessage Type = "room_message"
	TypeError       Type = "error"
	TypeSystem      Type = "system"
)

// TimeLayout is the ISO-8601 layout used for server-populated timestamps.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrMalformed is returned for frames that are not a JSON object with a type.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingRoom is returned for room operations that do not name a room.
	ErrMissingRoom = errors.New("room is required")
)

// Known reports whether t belongs to the fixed vocabulary.
func (t Type) Known() bool {
	switch t {
	case TypePing, TypePong, TypeMessage, TypeBroadcast, TypeJoinRoom,
		TypeLeaveRoom, TypeRoomMessage, TypeError, TypeSystem:
		return true
	}
	return false
}

// RequiresRoom reports whether envelopes of type t must carry a room.
func (t Type) RequiresRoom() bool {
	return t == TypeJoinRoom || t == TypeLeaveRoom || t == TypeRoomMessage
}

// Envelope is the wire-level message wrapper.
//
// From is always written by the server; a value supplied by a client is
// discarded during Decode.
type Envelope struct {
	Type      Type   `json:"type"`
	Data      any    `json:"data,omitempty"`
	Room      string `json:"room,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	From      string `json:"from,omitempty"`
}

type inbound struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Room      string          `json:"room"`
	Timestamp string          `json:"timestamp"`
}

// Decode parses a client frame. Data is kept as raw JSON so relayed payloads
// are forwarded byte for byte.
func Decode(raw []byte) (Envelope, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	env := Envelope{
		Type:      in.Type,
		Room:      in.Room,
		Timestamp: in.Timestamp,
	}
	if len(in.Data) > 0 && string(in.Data) != "null" {
		env.Data = in.Data
	}
	if env.Type.RequiresRoom() && env.Room == "" {
		return env, fmt.Errorf("%w: %s", ErrMissingRoom, env.Type)
	}
	return env, nil
}

// Encode serializes env, stamping the timestamp with now when it is empty.
func Encode(env Envelope, now time.Time) ([]byte, error) {
	if env.Timestamp == "" {
		env.Timestamp = FormatTime(now)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// System builds a server notice.
func System(data any) Envelope {
	return Envelope{Type: TypeSystem, Data: data}
}

// Error builds an error frame. message must never contain internal details.
func Error(message string) Envelope {
	return Envelope{Type: TypeError, Data: map[string]string{"message": message}}
}
