package ws

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pairup/collab/internal/config"
)

// echoHandler records lifecycle events and echoes data frames to the sender.
type echoHandler struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (h *echoHandler) OnOpen(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, c.ID)
}

func (h *echoHandler) OnMessage(c *Connection, op ws.OpCode, data []byte) {
	c.Send(op, data)
}

func (h *echoHandler) OnClose(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, c.ID)
}

func (h *echoHandler) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closed)
}

type stubVerifier struct{ err error }

func (v stubVerifier) Verify(context.Context, string, string) error { return v.err }

func testConfig() config.CollabConfig {
	cfg := config.Default().Collab
	cfg.WorkerPoolSize = 8
	cfg.SendBuffer = 64
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// bufferedConn replays bytes the dialer read past the handshake.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dial(t *testing.T, srv *httptest.Server, path string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		return bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return conn
}

func startServer(t *testing.T, h Handler) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(testConfig(), h)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		s.Shutdown()
	})
	return s, hs
}

func TestServer_EchoPreservesOrder(t *testing.T) {
	h := &echoHandler{}
	s, hs := startServer(t, h)

	conn := dial(t, hs, "/collab-socket/u1/s1")
	waitFor(t, "connection registered", func() bool { return s.Connections().Count() == 1 })

	const n = 50
	for i := 0; i < n; i++ {
		if err := wsutil.WriteClientBinary(conn, []byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < n; i++ {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if op != ws.OpBinary || len(data) != 1 || data[0] != byte(i) {
			t.Fatalf("frame %d: got op=%v data=%v", i, op, data)
		}
	}
}

func TestServer_AnswersPingWithSamePayload(t *testing.T) {
	s, hs := startServer(t, &echoHandler{})

	conn := dial(t, hs, "/collab-socket/u1/s1")
	waitFor(t, "connection registered", func() bool { return s.Connections().Count() == 1 })

	if err := wsutil.WriteClientMessage(conn, ws.OpPing, []byte("hi")); err != nil {
		t.Fatalf("ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := ws.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Header.OpCode != ws.OpPong || string(f.Payload) != "hi" {
		t.Fatalf("got op=%v payload=%q, want pong \"hi\"", f.Header.OpCode, f.Payload)
	}
}

func TestServer_PongMarksAlive(t *testing.T) {
	s, hs := startServer(t, &echoHandler{})

	dialed := dial(t, hs, "/collab-socket/u1/s1")
	waitFor(t, "connection registered", func() bool { return s.Connections().Count() == 1 })

	c := s.Connections().All()[0]
	c.alive.Store(false)

	if err := wsutil.WriteClientMessage(dialed, ws.OpPong, nil); err != nil {
		t.Fatalf("pong: %v", err)
	}
	waitFor(t, "alive flag", c.IsAlive)
}

func TestServer_ClientCloseRunsDisconnect(t *testing.T) {
	h := &echoHandler{}
	s, hs := startServer(t, h)

	conn := dial(t, hs, "/collab-socket/u1/s1")
	waitFor(t, "connection registered", func() bool { return s.Connections().Count() == 1 })

	conn.Close()
	waitFor(t, "connection removed", func() bool { return s.Connections().Count() == 0 })
	if got := h.closedCount(); got != 1 {
		t.Fatalf("OnClose called %d times, want 1", got)
	}
}

func TestServer_UpgradeRejections(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		verifier SessionVerifier
		maxConns int
		want     int
	}{
		{"unknown path", "/ws", nil, 0, http.StatusNotFound},
		{"missing session", "/collab-socket/u1", nil, 0, http.StatusNotFound},
		{"extra segment", "/collab-socket/u1/s1/x", nil, 0, http.StatusNotFound},
		{"unknown session", "/collab-socket/u1/s1", stubVerifier{ErrUnknownSession}, 0, http.StatusNotFound},
		{"not a participant", "/collab-socket/u1/s1", stubVerifier{ErrNotParticipant}, 0, http.StatusForbidden},
		{"verifier failure", "/collab-socket/u1/s1", stubVerifier{errors.New("redis down")}, 0, http.StatusInternalServerError},
		{"over capacity", "/collab-socket/u1/s1", nil, 1, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxConnections = tt.maxConns
			s := NewServer(cfg, &echoHandler{})
			if err := s.Open(); err != nil {
				t.Fatalf("open: %v", err)
			}
			defer s.Shutdown()
			if tt.verifier != nil {
				s.SetVerifier(tt.verifier)
			}
			if tt.maxConns > 0 {
				srvSide, cliSide := net.Pipe()
				defer cliSide.Close()
				s.attach(srvSide, "other", "s0")
			}

			hs := httptest.NewServer(s.Handler())
			defer hs.Close()

			resp, err := http.Get(hs.URL + tt.path)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestServer_HealthIncludesHandlerInfo(t *testing.T) {
	h := &healthHandler{}
	s := NewServer(testConfig(), h)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Shutdown()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, `"rooms":3`) || !strings.Contains(body, `"connections":0`) {
		t.Fatalf("health = %d %s", rec.Code, body)
	}
}

type healthHandler struct{ echoHandler }

func (h *healthHandler) HealthInfo() map[string]interface{} {
	return map[string]interface{}{"rooms": 3}
}

func TestHeartbeat_ClosesSilentPeers(t *testing.T) {
	h := &echoHandler{}
	s := NewServer(testConfig(), h)

	srvSide, cliSide := net.Pipe()
	defer cliSide.Close()
	go io.Copy(io.Discard, cliSide)

	c := s.attach(srvSide, "u1", "s1")

	checkConnections(s)
	if c.IsAlive() || s.Connections().Count() != 1 {
		t.Fatalf("first sweep should ping and clear the flag")
	}

	c.MarkAlive()
	checkConnections(s)
	if s.Connections().Count() != 1 {
		t.Fatalf("answered peer was closed")
	}

	checkConnections(s)
	if s.Connections().Count() != 0 {
		t.Fatalf("silent peer survived the sweep")
	}
	if got := h.closedCount(); got != 1 {
		t.Fatalf("OnClose called %d times, want 1", got)
	}
}

func TestConnection_SlowConsumerIsEvicted(t *testing.T) {
	h := &echoHandler{}
	cfg := testConfig()
	cfg.SendBuffer = 1
	cfg.WriteTimeout = 0
	s := NewServer(cfg, h)

	srvSide, cliSide := net.Pipe() // nobody reads cliSide
	defer cliSide.Close()

	c := s.attach(srvSide, "u1", "s1")
	for i := 0; i < 5; i++ {
		c.Send(ws.OpBinary, []byte{byte(i)})
	}

	waitFor(t, "slow consumer evicted", func() bool { return s.Connections().Count() == 0 })
	waitFor(t, "disconnect handled", func() bool { return h.closedCount() == 1 })
	if c.Send(ws.OpBinary, []byte{1}) {
		t.Fatal("send succeeded on a closed connection")
	}
}

func TestConnectionManager_Broadcast(t *testing.T) {
	s := NewServer(testConfig(), nil)

	type peer struct {
		c      *Connection
		client *bufio.Reader
		raw    net.Conn
	}
	attach := func(user, room string) peer {
		srvSide, cliSide := net.Pipe()
		t.Cleanup(func() { cliSide.Close() })
		return peer{c: s.attach(srvSide, user, room), client: bufio.NewReader(cliSide), raw: cliSide}
	}

	sender := attach("a", "r1")
	p1 := attach("b", "r1")
	p2 := attach("c", "r1")
	otherTab := attach("a", "r2")
	stranger := attach("d", "r2")

	cm := s.Connections()
	if n := cm.BroadcastRoom("r1", sender.c, ws.OpBinary, []byte("doc")); n != 2 {
		t.Fatalf("room broadcast reached %d, want 2", n)
	}
	for _, p := range []peer{p1, p2} {
		p.raw.SetReadDeadline(time.Now().Add(time.Second))
		data, op, err := wsutil.ReadServerData(readWriter{p.client, p.raw})
		if err != nil || op != ws.OpBinary || string(data) != "doc" {
			t.Fatalf("peer %s got %q op=%v err=%v", p.c.UserID, data, op, err)
		}
	}

	if n := cm.BroadcastUser("a", sender.c, ws.OpText, []byte(`{"type":"end"}`)); n != 1 {
		t.Fatalf("user broadcast reached %d, want 1", n)
	}
	otherTab.raw.SetReadDeadline(time.Now().Add(time.Second))
	if data, _, err := wsutil.ReadServerData(readWriter{otherTab.client, otherTab.raw}); err != nil || string(data) != `{"type":"end"}` {
		t.Fatalf("other tab got %q err=%v", data, err)
	}

	stranger.c.Close()
	if n := cm.BroadcastRoom("r2", nil, ws.OpText, []byte("x")); n != 1 {
		t.Fatalf("closed connection was not skipped: reached %d", n)
	}

	if got := len(cm.Room("r1")); got != 3 {
		t.Fatalf("room index has %d connections, want 3", got)
	}
	cm.Remove(p1.c.ID)
	if got := len(cm.Room("r1")); got != 2 {
		t.Fatalf("room index has %d connections after remove, want 2", got)
	}
	if cm.GetByConn(p1.c.Conn) != nil {
		t.Fatal("removed connection still indexed by net.Conn")
	}
	for _, c := range cm.All() {
		if c == p1.c {
			t.Fatal("removed connection still indexed by ID")
		}
	}
}

// readWriter lets wsutil answer control frames while reading from a buffer.
type readWriter struct {
	io.Reader
	io.Writer
}
