// Package collab is the collaboration gateway: it binds WebSocket
// connections to rooms, relays cursor frames and document updates between
// the members of a room, answers sync requests from the room's document,
// and tells peers when someone leaves or the session is ended.
package collab

import (
	"log"
	"time"

	"github.com/gobwas/ws"

	"github.com/pairup/collab/internal/config"
	"github.com/pairup/collab/internal/messaging"
	"github.com/pairup/collab/internal/metrics"
	"github.com/pairup/collab/internal/protocol"
	"github.com/pairup/collab/internal/room"
	wsserver "github.com/pairup/collab/internal/ws"
)

// Gateway implements ws.Handler on top of a room registry.
type Gateway struct {
	rooms    *room.Registry
	server   *wsserver.Server
	dispatch *wsserver.MessageDispatcher
	now      func() time.Time
}

// NewGateway creates a gateway and the WebSocket server that feeds it.
func NewGateway(cfg config.CollabConfig, rooms *room.Registry) *Gateway {
	g := &Gateway{
		rooms:    rooms,
		dispatch: wsserver.NewMessageDispatcher(),
		now:      time.Now,
	}
	g.server = wsserver.NewServer(cfg, g)
	g.dispatch.Register(protocol.TypeCursor, g.handleCursor)
	g.dispatch.Register(protocol.TypeSync, g.handleSync)
	return g
}

// Server returns the underlying WebSocket server.
func (g *Gateway) Server() *wsserver.Server {
	return g.server
}

// Rooms returns the room registry.
func (g *Gateway) Rooms() *room.Registry {
	return g.rooms
}

// OnOpen joins the connection's user to its room.
func (g *Gateway) OnOpen(c *wsserver.Connection) {
	r := g.rooms.Join(c.SessionID, c.UserID)
	log.Printf("[collab] user=%s joined session=%s (members=%d)", c.UserID, c.SessionID, r.Size())
}

// OnMessage dispatches by frame type: text frames are JSON control messages,
// binary frames are document updates.
func (g *Gateway) OnMessage(c *wsserver.Connection, op ws.OpCode, data []byte) {
	switch op {
	case ws.OpText:
		if !g.dispatch.Dispatch(c, data) {
			metrics.FramesTotal.WithLabelValues("ignored").Inc()
		}
	case ws.OpBinary:
		g.handleUpdate(c, data)
	default:
		metrics.FramesTotal.WithLabelValues("ignored").Inc()
	}
}

// handleCursor relays the original frame to the rest of the room. The
// selection is never decoded.
func (g *Gateway) handleCursor(c *wsserver.Connection, _ interface{}, raw []byte) {
	metrics.FramesTotal.WithLabelValues("cursor").Inc()
	g.server.Connections().BroadcastRoom(c.SessionID, c, ws.OpText, raw)
}

// handleSync answers the sender only, with one sync frame per update it is
// missing. Frames are written directly, so the reply size is not bounded by
// the send queue.
func (g *Gateway) handleSync(c *wsserver.Connection, msg interface{}, _ []byte) {
	metrics.FramesTotal.WithLabelValues("sync").Inc()

	m, ok := msg.(protocol.SyncMsg)
	if !ok {
		return
	}
	r := g.rooms.Get(c.SessionID)
	if r == nil {
		log.Printf("[collab] sync for missing room session=%s user=%s", c.SessionID, c.UserID)
		return
	}

	sv, err := m.StateVector()
	if err != nil {
		log.Printf("[collab] sync ignored user=%s: %v", c.UserID, err)
		return
	}
	updates, err := r.EncodeStateSince(sv)
	if err != nil {
		log.Printf("[collab] encode state session=%s: %v", c.SessionID, err)
		return
	}

	for _, u := range updates {
		frame, err := protocol.NewSyncReply(u)
		if err != nil {
			log.Printf("[collab] build sync reply: %v", err)
			return
		}
		if err := c.Reply(ws.OpText, frame); err != nil {
			log.Printf("[collab] sync reply to user=%s session=%s: %v", c.UserID, c.SessionID, err)
			return
		}
	}
}

// handleUpdate applies a document update to the room and forwards the same
// bytes to every other connection in it.
func (g *Gateway) handleUpdate(c *wsserver.Connection, update []byte) {
	r := g.rooms.Get(c.SessionID)
	if r == nil {
		metrics.FramesTotal.WithLabelValues("ignored").Inc()
		return
	}
	if err := r.ApplyUpdate(update); err != nil {
		log.Printf("[collab] update rejected session=%s user=%s: %v", c.SessionID, c.UserID, err)
		metrics.FramesTotal.WithLabelValues("ignored").Inc()
		return
	}

	metrics.FramesTotal.WithLabelValues("update").Inc()
	g.server.Connections().BroadcastRoom(c.SessionID, c, ws.OpBinary, update)
}

// OnClose tells the room the user left, tells the user's other tabs the
// session is over, then removes the user from the room.
func (g *Gateway) OnClose(c *wsserver.Connection) {
	conns := g.server.Connections()

	if frame, err := protocol.NewDisconnect(c.UserID); err == nil {
		conns.BroadcastRoom(c.SessionID, c, ws.OpText, frame)
	}
	if frame, err := protocol.NewEnd(c.UserID); err == nil {
		conns.BroadcastUser(c.UserID, c, ws.OpText, frame)
	}

	remaining, ok := g.rooms.Leave(c.SessionID, c.UserID, g.now())
	if ok {
		log.Printf("[collab] user=%s left session=%s (members=%d)", c.UserID, c.SessionID, remaining)
	}
}

// EndSession sends an end frame to every connection in the ended session.
// It is the handler for session-ended events from the matcher.
func (g *Gateway) EndSession(ev messaging.SessionEnded) {
	frame, err := protocol.NewEnd(ev.EndedBy)
	if err != nil {
		return
	}
	n := g.server.Connections().BroadcastRoom(ev.SessionID, nil, ws.OpText, frame)
	log.Printf("[collab] session=%s ended by user=%s (notified=%d)", ev.SessionID, ev.EndedBy, n)
}

// HealthInfo adds the room count and a per-session summary to /health.
func (g *Gateway) HealthInfo() map[string]interface{} {
	sessions := g.rooms.Snapshot()
	return map[string]interface{}{"rooms": len(sessions), "sessions": sessions}
}
