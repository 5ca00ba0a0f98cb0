// Package protocol defines the collaboration WebSocket frames exchanged
// between editors and the collab gateway. Text frames are JSON with a "type"
// discriminator; binary frames carry opaque document updates and have no
// envelope.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCursor = "cursor"
	TypeSync   = "sync"
)

// Server -> Client message types. TypeSync is also sent back as the reply.
const (
	TypeDisconnect = "disconnect"
	TypeEnd        = "end"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// CursorMsg carries a participant's selection. The gateway relays the
// original frame bytes, so Selection is never re-encoded.
type CursorMsg struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Selection json.RawMessage `json:"selection"`
}

// SyncMsg asks for the updates the client is missing. YDocState is the
// base64-encoded state vector of the client's document.
type SyncMsg struct {
	Type      string `json:"type"`
	YDocState string `json:"ydocState"`
}

// StateVector decodes the base64 state vector. An empty field decodes to an
// empty vector.
func (m SyncMsg) StateVector() ([]byte, error) {
	sv, err := base64.StdEncoding.DecodeString(m.YDocState)
	if err != nil {
		return nil, fmt.Errorf("protocol: bad ydocState: %w", err)
	}
	return sv, nil
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SyncReplyMsg carries one base64-encoded document update to the requester.
type SyncReplyMsg struct {
	Type       string `json:"type"`
	YDocUpdate string `json:"ydocUpdate"`
}

// PeerLeftMsg is the shape of both "disconnect" (sent to the rest of the
// room) and "end" (sent to the leaving user's other tabs).
type PeerLeftMsg struct {
	Type               string `json:"type"`
	DisconnectedUserID string `json:"disconnectedUserId"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses a text frame into a typed client message. It
// returns the message type string, the decoded struct, and any error. An
// error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeCursor:
		var m CursorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSync:
		var m SyncMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewSyncReply encodes a sync reply carrying one document update.
func NewSyncReply(update []byte) ([]byte, error) {
	return json.Marshal(SyncReplyMsg{
		Type:       TypeSync,
		YDocUpdate: base64.StdEncoding.EncodeToString(update),
	})
}

// NewDisconnect encodes the frame telling room peers that userID left.
func NewDisconnect(userID string) ([]byte, error) {
	return json.Marshal(PeerLeftMsg{Type: TypeDisconnect, DisconnectedUserID: userID})
}

// NewEnd encodes the frame telling a user's other tabs the session is over.
func NewEnd(userID string) ([]byte, error) {
	return json.Marshal(PeerLeftMsg{Type: TypeEnd, DisconnectedUserID: userID})
}
