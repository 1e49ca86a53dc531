package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (protocol.JoinRoomMsg, protocol.MessagePayload).
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the event type. It answers application-level pings itself and
// sends structured error events for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with an event type. Registering a
// type twice replaces the earlier handler. Registration must finish before
// the server starts dispatching.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types
// to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if _, known := d.handlers[msgType]; msgType != "" && !known && msgType != protocol.TypePing {
			log.Debug().Str("module", "ws").Str("conn", conn.ID()).Str("type", msgType).Msg("unsupported message type")
			SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		log.Debug().Str("module", "ws").Str("conn", conn.ID()).Err(err).Msg("dispatch parse error")
		SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("module", "ws").Str("conn", conn.ID()).Str("type", msgType).Msg("unsupported message type")
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Sender is anything an error event can be written to.
type Sender interface {
	ID() string
	Send(data []byte) error
}

// SendError sends a structured error event to a single connection. Failures
// are logged, not returned.
func SendError(conn Sender, code, message string) {
	data, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Error().Str("module", "ws").Str("conn", conn.ID()).Err(err).Msg("build error message")
		return
	}

	if err := conn.Send(data); err != nil {
		log.Debug().Str("module", "ws").Str("conn", conn.ID()).Err(err).Msg("send error message")
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Error().Str("module", "ws").Str("conn", conn.ID()).Err(err).Msg("build pong message")
		return
	}

	if err := conn.Send(data); err != nil {
		log.Debug().Str("module", "ws").Str("conn", conn.ID()).Err(err).Msg("send pong message")
	}
}
