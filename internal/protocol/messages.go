// Package protocol defines the WebSocket events exchanged between chat
// clients and the room server. Every frame is a JSON envelope carrying an
// event name and an event-specific payload:
//
//	{"type": "join-room", "data": "vault-7"}
//	{"type": "send-message", "data": {"room": "vault-7", "message": {...}, "sender": "Ghost"}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/recurshawn/secret-chat-app/internal/chat"
)

// Client -> Server event types.
const (
	TypeJoinRoom    = "join-room"
	TypeSendMessage = "send-message"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeReceiveMessage = "receive-message"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
)

var ErrEmptyRoom = errors.New("protocol: room key is empty")

// Envelope holds the event type and the raw payload for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRoomMsg asks the server to add the connection to a room. On the wire
// the payload is the bare room key string.
type JoinRoomMsg struct {
	Room string
}

// MessagePayload is the body of both send-message and receive-message.
// Sender is whatever the client claims; it is never checked against the
// connection.
type MessagePayload struct {
	Room    string       `json:"room"`
	Message chat.Message `json:"message"`
	Sender  string       `json:"sender"`
}

// ErrorMsg is sent by the server to the offending connection only.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct{}

// PongMsg answers PingMsg.
type PongMsg struct{}

// ParseClientMessage decodes a frame sent by a client. It returns the event
// type, the decoded payload and any error. Unknown or server-only event types
// are errors; the type is still returned so callers can log it.
func ParseClientMessage(data []byte) (string, any, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	switch env.Type {
	case TypeJoinRoom:
		var room string
		if err := json.Unmarshal(env.Data, &room); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		if room == "" {
			return env.Type, nil, ErrEmptyRoom
		}
		return env.Type, JoinRoomMsg{Room: room}, nil
	case TypeSendMessage:
		var m MessagePayload
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		if m.Room == "" {
			return env.Type, nil, ErrEmptyRoom
		}
		return env.Type, m, nil
	case TypePing:
		return env.Type, PingMsg{}, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

// ParseServerMessage decodes a frame sent by the server.
func ParseServerMessage(data []byte) (string, any, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	switch env.Type {
	case TypeReceiveMessage:
		var m MessagePayload
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	case TypeError:
		var m ErrorMsg
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	case TypePong:
		return env.Type, PongMsg{}, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}
}

// NewMessage encodes an envelope for the given event type. JoinRoomMsg is
// flattened to its room key; PingMsg and PongMsg carry no payload.
func NewMessage(msgType string, payload any) ([]byte, error) {
	env := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: msgType}

	switch p := payload.(type) {
	case nil, PingMsg, PongMsg:
	case JoinRoomMsg:
		env.Data = p.Room
	default:
		env.Data = payload
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q message: %w", msgType, err)
	}
	return out, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return env, nil
}
