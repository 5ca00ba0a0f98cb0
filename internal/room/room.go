// Package room holds the in-memory state of live collaboration sessions: one
// Room per session ID with its document and member set, a Registry that
// creates rooms lazily on join, and a reaper that destroys rooms left empty
// past a cooldown.
package room

import (
	"slices"
	"sync"
	"time"
)

// Room lifecycle states.
const (
	StateActive   = "active"   // at least one member
	StateDraining = "draining" // empty, waiting for the reaper cooldown
)

// Room is the runtime state of one collaboration session. Members are user
// IDs, not connections: one user may have several tabs open.
type Room struct {
	ID string

	mu          sync.Mutex
	doc         Document
	members     map[string]struct{}
	lastEmptyAt time.Time
}

func newRoom(id string, doc Document) *Room {
	return &Room{
		ID:      id,
		doc:     doc,
		members: make(map[string]struct{}),
	}
}

// ApplyUpdate merges an update into the room's document.
func (r *Room) ApplyUpdate(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ApplyUpdate(update)
}

// EncodeStateSince returns the updates a peer with stateVector is missing.
func (r *Room) EncodeStateSince(stateVector []byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateSince(stateVector)
}

// Size returns the number of members.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) add(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[userID] = struct{}{}
	r.lastEmptyAt = time.Time{}
}

func (r *Room) remove(userID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, userID)
	if len(r.members) == 0 && r.lastEmptyAt.IsZero() {
		r.lastEmptyAt = now
	}
	return len(r.members)
}

// info summarizes the room. Caller holds r.mu.
func (r *Room) info() Info {
	in := Info{ID: r.ID, Members: make([]string, 0, len(r.members)), State: StateActive, LastEmptyAt: r.lastEmptyAt}
	for id := range r.members {
		in.Members = append(in.Members, id)
	}
	slices.Sort(in.Members)
	if len(in.Members) == 0 {
		in.State = StateDraining
	}
	if s, ok := r.doc.(Sizer); ok {
		in.Updates, in.Bytes = s.Len()
	}
	return in
}

// expired reports whether the room has been empty for at least cooldown.
// Caller holds r.mu.
func (r *Room) expired(now time.Time, cooldown time.Duration) bool {
	return len(r.members) == 0 && !r.lastEmptyAt.IsZero() && now.Sub(r.lastEmptyAt) >= cooldown
}
