package room

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pairup/collab/internal/metrics"
)

// Info is a point-in-time summary of one room. Updates and Bytes are zero
// when the document does not implement Sizer.
type Info struct {
	ID          string    `json:"id"`
	Members     []string  `json:"members"`
	State       string    `json:"state"`
	LastEmptyAt time.Time `json:"lastEmptyAt,omitzero"`
	Updates     int       `json:"updates"`
	Bytes       int       `json:"bytes"`
}

// Registry maps session IDs to rooms. The map lock is always taken before a
// room's own lock.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	newDoc DocumentFactory
}

// NewRegistry creates an empty registry. A nil factory uses UpdateLog.
func NewRegistry(newDoc DocumentFactory) *Registry {
	if newDoc == nil {
		newDoc = NewUpdateLogDocument
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		newDoc: newDoc,
	}
}

// Join adds userID to the session's room, creating the room with a fresh
// document if it does not exist. A draining room becomes active again.
func (g *Registry) Join(sessionID, userID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[sessionID]
	if !ok {
		r = newRoom(sessionID, g.newDoc())
		g.rooms[sessionID] = r
		metrics.RoomsActive.Set(float64(len(g.rooms)))
	}
	r.add(userID)
	return r
}

// Leave removes userID from the session's room and returns the members left.
// ok is false when the room does not exist.
func (g *Registry) Leave(sessionID, userID string, now time.Time) (remaining int, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[sessionID]
	if !ok {
		return 0, false
	}
	return r.remove(userID, now), true
}

// Get returns the room for sessionID, or nil.
func (g *Registry) Get(sessionID string) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[sessionID]
}

// Len returns the number of rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Reap destroys every room that has been empty for at least cooldown and
// returns their IDs.
func (g *Registry) Reap(now time.Time, cooldown time.Duration) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var reaped []string
	for id, r := range g.rooms {
		r.mu.Lock()
		if r.expired(now, cooldown) {
			r.doc.Close()
			delete(g.rooms, id)
			reaped = append(reaped, id)
		}
		r.mu.Unlock()
	}

	if len(reaped) > 0 {
		metrics.RoomsReaped.Add(float64(len(reaped)))
		metrics.RoomsActive.Set(float64(len(g.rooms)))
	}
	slices.Sort(reaped)
	return reaped
}

// Snapshot returns a summary of every room, sorted by ID.
func (g *Registry) Snapshot() []Info {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Info, 0, len(g.rooms))
	for _, r := range g.rooms {
		r.mu.Lock()
		out = append(out, r.info())
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}
