// Package client provides a WebSocket load test client for the pairup collab
// gateway. It connects using gobwas/ws (the same library the server uses),
// sends timestamped document updates and cursor frames, and tracks
// per-connection delivery metrics.
package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Text frame types (local equivalents of internal/protocol constants).
const (
	TypeCursor     = "cursor"
	TypeSync       = "sync"
	TypeDisconnect = "disconnect"
	TypeEnd        = "end"
)

// stampSize is the length of the send timestamp prefixed to every update.
const stampSize = 8

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency  time.Duration
	UpdatesSent     int
	UpdatesReceived int
	TextReceived    int
	Errors          int
}

// Client is one simulated editor tab joined to a collab room.
type Client struct {
	UserID    string
	SessionID string

	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex // guards metrics and handlers
	metrics   Metrics
	onUpdate  func(data []byte)
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New dials baseURL/collab-socket/{userID}/{sessionID} and starts reading.
func New(ctx context.Context, baseURL, userID, sessionID string) (*Client, error) {
	url := strings.TrimRight(baseURL, "/") + "/collab-socket/" + userID + "/" + sessionID

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		UserID:    userID,
		SessionID: sessionID,
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// OnUpdate registers the callback for binary document updates.
func (c *Client) OnUpdate(fn func(data []byte)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// On registers a handler for a text frame type, replacing any previous one.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// SendUpdate sends a binary document update.
func (c *Client) SendUpdate(update []byte) error {
	c.writeMu.Lock()
	err := wsutil.WriteClientBinary(c.conn, update)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.UpdatesSent++
	}
	c.mu.Unlock()
	return err
}

// SendCursor sends a cursor frame with the given selection.
func (c *Client) SendCursor(selection interface{}) error {
	return c.sendJSON(map[string]interface{}{
		"type":      TypeCursor,
		"userId":    c.UserID,
		"selection": selection,
	})
}

// RequestSync asks for the room's full document state.
func (c *Client) RequestSync() error {
	return c.sendJSON(map[string]string{"type": TypeSync, "ydocState": ""})
}

func (c *Client) sendJSON(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(c.conn, data)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection closes. wsutil answers server
// pings while reading.
func (c *Client) readLoop() {
	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			c.Close()
			return
		}

		if op == ws.OpBinary {
			c.mu.Lock()
			c.metrics.UpdatesReceived++
			fn := c.onUpdate
			c.mu.Unlock()
			if fn != nil {
				fn(data)
			}
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.TextReceived++
		h := c.handlers[envelope.Type]
		c.mu.Unlock()
		if h != nil {
			h(json.RawMessage(data))
		}
	}
}

// StampedUpdate returns a size-byte update whose first bytes carry the
// current time, so receivers can measure fan-out latency.
func StampedUpdate(size int) []byte {
	if size < stampSize+1 {
		size = stampSize + 1
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	// Unique trailing byte pattern keeps the server from deduplicating.
	for i := stampSize; i < size; i++ {
		buf[i] = byte(i)
	}
	return buf
}

// UpdateLatency returns the time since a StampedUpdate was created.
func UpdateLatency(update []byte) (time.Duration, bool) {
	if len(update) < stampSize {
		return 0, false
	}
	sent := int64(binary.BigEndian.Uint64(update))
	return time.Since(time.Unix(0, sent)), true
}
