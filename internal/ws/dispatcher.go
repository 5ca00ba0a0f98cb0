package ws

import (
	"log"

	"github.com/pairup/collab/internal/protocol"
)

// MessageHandler handles one parsed text frame. msg is the concrete struct
// returned by protocol.ParseClientMessage; raw is the original frame.
type MessageHandler func(conn *Connection, msg interface{}, raw []byte)

// MessageDispatcher routes text frames to registered handlers by their "type"
// field. Malformed frames and unregistered types are logged and dropped; the
// connection stays open.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and calls the matching handler. It returns false when
// the frame was ignored.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) bool {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: ignoring frame conn=%s user=%s: %v", conn.ID, conn.UserID, err)
		return false
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		return false
	}

	handler(conn, msg, data)
	return true
}
