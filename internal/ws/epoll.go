//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 500

// Epoll wraps Linux epoll syscalls for WebSocket I/O multiplexing. Sockets are
// registered one-shot: after a readiness event the fd stays disarmed until
// Rearm, so a connection is read by at most one worker at a time and its
// frames are handled in arrival order.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	mu          sync.RWMutex      // protects connections map
	events      []unix.EpollEvent // reusable event buffer for Wait
}

const epollEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a network connection for one-shot read readiness.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(fd),
	}); err != nil {
		e.mu.Lock()
		delete(e.connections, fd)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Rearm re-enables readiness notifications for conn after a worker has
// finished reading from it. Pending data fires a new event immediately.
func (e *Epoll) Rearm(conn net.Conn) error {
	fd := socketFD(conn)
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(fd),
	})
}

// Reader returns the reader frames should be decoded from. On Linux this is
// the connection itself.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	return conn
}

// Remove unregisters a network connection from epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until one or more registered connections are ready for reading
// or the wait times out, in which case it returns an empty slice.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := e.connections[int(e.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = make(map[int]net.Conn)
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

// isEINTR reports whether epoll_wait was interrupted by a signal. The call is
// simply retried.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
