// Package ws is the WebSocket transport of the collab gateway. It upgrades
// HTTP requests on /collab-socket/{userId}/{sessionId}, multiplexes reads
// with epoll onto a bounded worker pool, routes outbound frames by room or
// user, and evicts dead peers with a ping/pong heartbeat.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pairup/collab/internal/config"
	"github.com/pairup/collab/internal/metrics"
)

// SocketPath is the upgrade route; userId and sessionId are path variables.
const SocketPath = "/collab-socket/{userId}/{sessionId}"

// Errors a SessionVerifier returns to reject an upgrade.
var (
	ErrUnknownSession = errors.New("ws: unknown session")
	ErrNotParticipant = errors.New("ws: user is not a session participant")
)

// Handler receives connection lifecycle events. OnMessage is only called for
// non-empty data frames and never concurrently for the same connection.
type Handler interface {
	OnOpen(c *Connection)
	OnMessage(c *Connection, op ws.OpCode, data []byte)
	OnClose(c *Connection)
}

// SessionVerifier checks that userID may join sessionID before upgrading.
type SessionVerifier interface {
	Verify(ctx context.Context, userID, sessionID string) error
}

// HealthReporter is implemented by handlers that add fields to /health.
type HealthReporter interface {
	HealthInfo() map[string]interface{}
}

// Server is the WebSocket server built on gobwas/ws and epoll. It upgrades
// HTTP connections, registers them with an epoll instance for read readiness,
// and dispatches ready connections to a bounded worker pool that reads one
// frame at a time.
type Server struct {
	config     config.CollabConfig
	handler    Handler
	verifier   SessionVerifier
	epoll      *Epoll
	conns      *ConnectionManager
	router     *mux.Router
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	openOnce   sync.Once
	openErr    error
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server that reports connection events to handler.
func NewServer(cfg config.CollabConfig, handler Handler) *Server {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	s := &Server{
		config:     cfg,
		handler:    handler,
		conns:      NewConnectionManager(),
		router:     mux.NewRouter(),
		workerPool: make(chan struct{}, cfg.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	s.router.HandleFunc(SocketPath, s.handleUpgrade).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// SetVerifier installs a check run before every upgrade.
func (s *Server) SetVerifier(v SessionVerifier) {
	s.verifier = v
}

// Router returns the HTTP router so callers can mount extra routes such as
// /metrics.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the HTTP handler serving upgrades and health checks. Open
// must be called before it receives traffic.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Open creates the epoll instance and starts the event loop and heartbeat.
// It is safe to call more than once.
func (s *Server) Open() error {
	s.openOnce.Do(func() {
		ep, err := NewEpoll()
		if err != nil {
			s.openErr = fmt.Errorf("ws: failed to create epoll: %w", err)
			return
		}
		s.epoll = ep
		s.startedAt = time.Now()

		go s.startEventLoop()
		StartHeartbeat(s, s.config.HeartbeatInterval)
	})
	return s.openErr
}

// Start opens the server and blocks serving HTTP on the configured address.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, send_buffer=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections, s.config.SendBuffer)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade validates the path and limits, upgrades the request with the
// gobwas zero-copy upgrader and registers the new connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, sessionID := vars["userId"], vars["sessionId"]

	if s.epoll == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(r.Context(), userID, sessionID); err != nil {
			switch {
			case errors.Is(err, ErrUnknownSession):
				http.Error(w, "session not found", http.StatusNotFound)
			case errors.Is(err, ErrNotParticipant):
				http.Error(w, "not a session participant", http.StatusForbidden)
			default:
				log.Printf("ws: verify failed user=%s session=%s: %v", userID, sessionID, err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s session=%s: %v", userID, sessionID, err)
		return
	}

	c := s.attach(conn, userID, sessionID)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection user=%s session=%s conn=%s (total=%d)",
		userID, sessionID, c.ID, s.conns.Count())
}

// attach wraps conn, notifies the handler and registers the connection. The
// handler sees OnOpen before the connection is routable or read from.
func (s *Server) attach(conn net.Conn, userID, sessionID string) *Connection {
	c := newConnection(uuid.NewString(), userID, sessionID, conn, s.config.SendBuffer, s.config.WriteTimeout)
	c.evict = s.evict

	if s.handler != nil {
		s.handler.OnOpen(c)
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	go c.writeLoop()
	return c
}

func (s *Server) evict(c *Connection, cause error) {
	if c.IsClosed() {
		return
	}
	log.Printf("ws: evicting conn=%s user=%s session=%s: %v", c.ID, c.UserID, c.SessionID, cause)
	if errors.Is(cause, errSendQueueFull) {
		metrics.SlowConsumers.Inc()
	}
	s.RemoveConnection(c)
}

// handleHealth responds with the connection count, uptime and any fields
// contributed by the handler.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if hr, ok := s.handler.(HealthReporter); ok {
		for k, v := range hr.HealthInfo() {
			resp[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed to
// a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection and re-arms it. Control
// frames are answered here; data frames go to the handler.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// No frame header arrived in time: the wakeup was spurious.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			_ = netConn.SetReadDeadline(time.Time{})
			s.rearm(c)
			return
		}
		s.RemoveConnection(c)
		return
	}

	data, err := io.ReadAll(reader)
	_ = netConn.SetReadDeadline(time.Time{})
	if err != nil {
		s.RemoveConnection(c)
		return
	}

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return
	case ws.OpPing:
		if err := c.writePong(data); err != nil {
			s.RemoveConnection(c)
			return
		}
	case ws.OpPong:
		c.MarkAlive()
	default:
		if len(data) > 0 && s.handler != nil {
			s.handler.OnMessage(c, header.OpCode, data)
		}
	}

	s.rearm(c)
}

func (s *Server) rearm(c *Connection) {
	if c.IsClosed() {
		return
	}
	if err := s.epoll.Rearm(c.Conn); err != nil && !c.IsClosed() {
		log.Printf("ws: rearm failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
	}
}

// RemoveConnection unregisters c from epoll and the connection manager,
// closes it and notifies the handler. Only the first call for a connection
// has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.handler != nil {
		s.handler.OnClose(c)
	}

	log.Printf("ws: connection closed user=%s session=%s conn=%s (total=%d)",
		c.UserID, c.SessionID, c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager used for routing.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, the event loop and the heartbeat, then
// closes every connection without running disconnect handling.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown")))
		s.conns.Remove(c.ID)
	}
	metrics.ConnectionsTotal.Set(0)

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
