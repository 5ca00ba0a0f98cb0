package room

import (
	"crypto/sha256"
	"errors"
	"sync"
)

var (
	// ErrDocumentClosed is returned by a document after Close.
	ErrDocumentClosed = errors.New("room: document closed")

	// ErrEmptyUpdate is returned when an update has no bytes.
	ErrEmptyUpdate = errors.New("room: empty update")
)

// EmptyUpdate is the encoding of an update with no structs and an empty
// delete set. Clients apply it as a no-op.
var EmptyUpdate = []byte{0, 0}

// Document is the replicated document owned by a room. Implementations treat
// update bytes as opaque.
type Document interface {
	// ApplyUpdate merges a remote update into the document.
	ApplyUpdate(update []byte) error

	// EncodeStateSince returns the updates a peer holding stateVector needs to
	// reach the current state. Applying them in order must be safe even if
	// the peer already has some of them.
	EncodeStateSince(stateVector []byte) ([][]byte, error)

	// Close releases the document. Later calls return ErrDocumentClosed.
	Close()
}

// Sizer is implemented by documents that can report how much they hold.
type Sizer interface {
	Len() (count, bytes int)
}

// DocumentFactory creates a fresh, empty document for a new room.
type DocumentFactory func() Document

// UpdateLog is a Document that keeps every distinct update in arrival order.
// It does not decode updates, so EncodeStateSince ignores the state vector
// and returns the whole log; the client CRDT drops what it already has.
type UpdateLog struct {
	mu      sync.Mutex
	updates [][]byte
	seen    map[[sha256.Size]byte]struct{}
	size    int
	closed  bool
}

// NewUpdateLog creates an empty update log.
func NewUpdateLog() *UpdateLog {
	return &UpdateLog{seen: make(map[[sha256.Size]byte]struct{})}
}

// NewUpdateLogDocument is a DocumentFactory for UpdateLog.
func NewUpdateLogDocument() Document {
	return NewUpdateLog()
}

// ApplyUpdate appends a copy of update unless an identical update is
// already stored.
func (l *UpdateLog) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	sum := sha256.Sum256(update)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrDocumentClosed
	}
	if _, dup := l.seen[sum]; dup {
		return nil
	}
	l.seen[sum] = struct{}{}
	l.updates = append(l.updates, append([]byte(nil), update...))
	l.size += len(update)
	return nil
}

// EncodeStateSince returns the stored updates, or EmptyUpdate when the log
// is empty.
func (l *UpdateLog) EncodeStateSince(_ []byte) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrDocumentClosed
	}
	if len(l.updates) == 0 {
		return [][]byte{EmptyUpdate}, nil
	}
	out := make([][]byte, len(l.updates))
	copy(out, l.updates)
	return out, nil
}

// Close drops the stored updates.
func (l *UpdateLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.updates = nil
	l.seen = nil
	l.size = 0
}

// Len returns the number of stored updates and their total size in bytes.
func (l *UpdateLog) Len() (count, bytes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates), l.size
}
