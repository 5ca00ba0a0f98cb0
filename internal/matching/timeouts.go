package matching

import (
	"sync"
	"time"
)

// timeouts holds one cancellable search timer per user.
type timeouts struct {
	mu      sync.Mutex
	pending map[string]*timeoutHandle
	gen     uint64
}

type timeoutHandle struct {
	entryID string
	gen     uint64
	timer   *time.Timer
}

func newTimeouts() *timeouts {
	return &timeouts{pending: make(map[string]*timeoutHandle)}
}

// Schedule arms fire to run after d unless cancelled first. Any earlier timer
// for the same user is stopped and replaced.
func (t *timeouts) Schedule(userID, entryID string, d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.pending[userID]; ok {
		h.timer.Stop()
	}

	t.gen++
	h := &timeoutHandle{entryID: entryID, gen: t.gen}
	h.timer = time.AfterFunc(d, func() {
		// The generation check runs under the same lock as Cancel, so a
		// cancelled or replaced handle never fires.
		t.mu.Lock()
		cur, ok := t.pending[userID]
		if !ok || cur.gen != h.gen {
			t.mu.Unlock()
			return
		}
		delete(t.pending, userID)
		t.mu.Unlock()

		fire()
	})
	t.pending[userID] = h
}

// Cancel stops the user's timer. It reports whether one was pending.
func (t *timeouts) Cancel(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.pending[userID]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(t.pending, userID)
	return true
}

// StopAll cancels every pending timer and returns how many there were.
func (t *timeouts) StopAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.pending)
	for userID, h := range t.pending {
		h.timer.Stop()
		delete(t.pending, userID)
	}
	return n
}
