package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// errSendQueueFull is passed to the eviction hook for slow consumers.
var errSendQueueFull = errors.New("send queue full")

type frame struct {
	op   ws.OpCode
	data []byte
}

// Connection represents a single WebSocket client bound to one
// (userID, sessionID) pair. Outbound data frames go through a bounded queue
// drained by a writer goroutine; control frames are written directly.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // from the upgrade path
	SessionID string    // room the connection belongs to
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	alive        atomic.Bool
	writeMu      sync.Mutex // serializes frame writes to Conn
	writeTimeout time.Duration
	send         chan frame
	closed       chan struct{}
	closeOnce    sync.Once
	evict        func(c *Connection, cause error)
}

func newConnection(id, userID, sessionID string, conn net.Conn, sendBuffer int, writeTimeout time.Duration) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	c := &Connection{
		ID:           id,
		UserID:       userID,
		SessionID:    sessionID,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		send:         make(chan frame, sendBuffer),
		closed:       make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Send queues a data frame without blocking. It returns false if the
// connection is closed or its queue is full; a full queue evicts the
// connection as a slow consumer.
func (c *Connection) Send(op ws.OpCode, data []byte) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.send <- frame{op: op, data: data}:
		return true
	default:
		if c.evict != nil {
			go c.evict(c, errSendQueueFull)
		}
		return false
	}
}

// Reply writes a data frame directly, bypassing the send queue. It is for
// answers to the connection's own requests and blocks for at most the write
// timeout. A failed write evicts the connection.
func (c *Connection) Reply(op ws.OpCode, data []byte) error {
	if c.IsClosed() {
		return net.ErrClosed
	}
	if err := c.writeData(op, data); err != nil {
		if !c.IsClosed() && c.evict != nil {
			go c.evict(c, err)
		}
		return err
	}
	return nil
}

// writeLoop drains the send queue until the connection closes. A write
// failure evicts the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			if err := c.writeData(f.op, f.data); err != nil {
				if !c.IsClosed() && c.evict != nil {
					c.evict(c, err)
				}
				return
			}
		}
	}
}

func (c *Connection) writeData(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

// writePong answers a client ping with the same payload.
func (c *Connection) writePong(payload []byte) error {
	return c.writeControl(ws.NewPongFrame(payload))
}

// IsAlive reports whether the peer has answered since the last heartbeat.
func (c *Connection) IsAlive() bool {
	return c.alive.Load()
}

// MarkAlive records a pong from the peer.
func (c *Connection) MarkAlive() {
	c.alive.Store(true)
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the underlying network connection. It is
// safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed by
// connection ID, net.Conn, room and user so broadcasts only touch the
// connections they target.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byRoom map[string]map[string]*Connection // session_id -> conn_id -> Connection
	byUser map[string]map[string]*Connection // user_id -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byRoom: make(map[string]map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in every index.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	addIndex(cm.byRoom, c.SessionID, c)
	addIndex(cm.byUser, c.UserID, c)
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
		removeIndex(cm.byRoom, c.SessionID, id)
		removeIndex(cm.byUser, c.UserID, id)
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[conn]
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	return conns
}

// Room returns a snapshot of the connections in a room.
func (cm *ConnectionManager) Room(sessionID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return snapshot(cm.byRoom[sessionID])
}

// User returns a snapshot of a user's connections across all rooms.
func (cm *ConnectionManager) User(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return snapshot(cm.byUser[userID])
}

// BroadcastRoom queues a frame for every open connection in the room except
// sender (which may be nil). It returns the number of connections reached.
func (cm *ConnectionManager) BroadcastRoom(sessionID string, sender *Connection, op ws.OpCode, data []byte) int {
	return broadcast(cm.Room(sessionID), sender, op, data)
}

// BroadcastUser queues a frame for every open connection of the user except
// sender. It returns the number of connections reached.
func (cm *ConnectionManager) BroadcastUser(userID string, sender *Connection, op ws.OpCode, data []byte) int {
	return broadcast(cm.User(userID), sender, op, data)
}

func broadcast(conns []*Connection, sender *Connection, op ws.OpCode, data []byte) int {
	sent := 0
	for _, c := range conns {
		if c == sender || c.IsClosed() {
			continue
		}
		if c.Send(op, data) {
			sent++
		}
	}
	return sent
}

func addIndex(idx map[string]map[string]*Connection, key string, c *Connection) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*Connection)
		idx[key] = set
	}
	set[c.ID] = c
}

func removeIndex(idx map[string]map[string]*Connection, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func snapshot(set map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
