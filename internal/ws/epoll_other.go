//go:build !linux

package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each watcher blocks on a one-byte read; that byte is replayed through
// Reader, and the watcher waits for Rearm before reading again, which gives
// the same one-shot semantics as the Linux implementation.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // receives connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	peeked []byte
	rearm  chan struct{}
	stop   chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its watcher.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			w.peeked = append(w.peeked, buf[0])
			e.mu.Unlock()
		}

		// Errors are reported as readiness so the server's read path sees them.
		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the watcher for conn resume reading.
func (e *Epoll) Rearm(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return net.ErrClosed
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
	return nil
}

// Reader returns a reader that replays any byte consumed by the watcher
// before continuing with the connection.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.conns[conn]
	if !ok || len(w.peeked) == 0 {
		return conn
	}
	peeked := w.peeked
	w.peeked = nil
	return io.MultiReader(bytes.NewReader(peeked), conn)
}

// Remove unregisters a connection and stops its watcher.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()

	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

// isEINTR is always false: the fallback Wait makes no syscalls.
func isEINTR(error) bool {
	return false
}
