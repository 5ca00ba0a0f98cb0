package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pairup/collab/internal/config"
	"github.com/pairup/collab/internal/messaging"
	"github.com/pairup/collab/internal/session"
)

// memStore is an in-memory QueueStore with the same pairing rules as the
// Redis scripts. One mutex makes every call atomic.
type memStore struct {
	mu         sync.Mutex
	queues     map[string][]QueueEntry
	active     map[string]ActiveSearch
	pointers   map[string]string
	sessions   map[string]*session.Session
	terminates int
	err        error
}

func newMemStore() *memStore {
	return &memStore{
		queues:   make(map[string][]QueueEntry),
		active:   make(map[string]ActiveSearch),
		pointers: make(map[string]string),
		sessions: make(map[string]*session.Session),
	}
}

func (m *memStore) Enqueue(_ context.Context, req EnqueueRequest) (EnqueueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return EnqueueResult{}, m.err
	}

	uid := req.Entry.UserID
	if _, ok := m.active[uid]; ok {
		return EnqueueResult{}, ErrAlreadySearching
	}

	var kept []QueueEntry
	var partner *QueueEntry
	for _, e := range m.queues[req.QueueKey] {
		a, ok := m.active[e.UserID]
		live := ok && a.EntryID == e.ID && e.UserID != uid
		if !live {
			continue
		}
		if partner == nil && e.Criteria == req.Entry.Criteria {
			p := e
			partner = &p
			continue
		}
		kept = append(kept, e)
	}

	if partner == nil {
		m.queues[req.QueueKey] = append(kept, req.Entry)
		m.active[uid] = ActiveSearch{
			EntryID:    req.Entry.ID,
			QueueKey:   req.QueueKey,
			Username:   req.Entry.Username,
			Difficulty: req.Entry.Difficulty,
			Topics:     req.Entry.Topics,
			JoinedAt:   req.Entry.JoinedAt,
		}
		return EnqueueResult{}, nil
	}

	m.queues[req.QueueKey] = kept
	delete(m.active, partner.UserID)
	sess := &session.Session{
		SessionID: req.SessionID,
		User1:     session.Participant{UserID: partner.UserID, Username: partner.Username},
		User2:     session.Participant{UserID: uid, Username: req.Entry.Username},
		Criteria:  session.Criteria{Difficulty: partner.Difficulty, Topics: partner.Topics},
		MatchedAt: req.MatchedAt.Format(time.RFC3339Nano),
		Status:    session.StatusActive,
	}
	m.sessions[sess.SessionID] = sess
	m.pointers[partner.UserID] = sess.SessionID
	m.pointers[uid] = sess.SessionID
	return EnqueueResult{Matched: true, Session: sess, Partner: partner}, nil
}

func (m *memStore) Terminate(_ context.Context, userID, entryID, queueKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminates++
	if m.err != nil {
		return false, m.err
	}

	removed := false
	if a, ok := m.active[userID]; ok {
		if entryID != "" && a.EntryID != entryID {
			return false, nil
		}
		entryID, queueKey = a.EntryID, a.QueueKey
		delete(m.active, userID)
		removed = true
	}
	q := m.queues[queueKey]
	for i, e := range q {
		if e.ID == entryID {
			m.queues[queueKey] = append(q[:i:i], q[i+1:]...)
			removed = true
			break
		}
	}
	return removed, nil
}

func (m *memStore) ActiveSearch(_ context.Context, userID string) (*ActiveSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	a, ok := m.active[userID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memStore) UserSession(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.pointers[userID], nil
}

func (m *memStore) Session(_ context.Context, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.sessions[sessionID], nil
}

func (m *memStore) EndSession(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	sid, ok := m.pointers[userID]
	if !ok {
		return "", nil
	}
	if sess, ok := m.sessions[sid]; ok {
		delete(m.pointers, sess.User1.UserID)
		delete(m.pointers, sess.User2.UserID)
		delete(m.sessions, sid)
	}
	delete(m.pointers, userID)
	return sid, nil
}

func (m *memStore) Stats(context.Context) ([]QueueStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueStat
	for k, q := range m.queues {
		if len(q) > 0 {
			out = append(out, QueueStat{QueueKey: k, WaitingUsers: int64(len(q))})
		}
	}
	return out, nil
}

func (m *memStore) Sweep(context.Context) (int, int64, error) {
	return 0, 0, nil
}

func (m *memStore) queueLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[key])
}

type recordingPublisher struct {
	mu    sync.Mutex
	found map[string][]messaging.MatchFound
	ended []messaging.SessionEnded
}

func (p *recordingPublisher) PublishMatchFound(userID string, ev messaging.MatchFound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.found == nil {
		p.found = make(map[string][]messaging.MatchFound)
	}
	p.found[userID] = append(p.found[userID], ev)
	return nil
}

func (p *recordingPublisher) PublishSessionEnded(ev messaging.SessionEnded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, ev)
	return nil
}

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *memStore, *recordingPublisher) {
	t.Helper()
	store := newMemStore()
	pub := &recordingPublisher{}
	cfg := config.Default().Matching
	cfg.MatchTimeout = timeout
	e := NewEngine(store, pub, cfg)
	t.Cleanup(e.Close)
	return e, store, pub
}

var easyArrays = Criteria{Difficulty: []string{"easy"}, Topics: []string{"arrays"}}

func TestEngine_Scenario(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	out, err := e.Enqueue(ctx, "u1", "alice", easyArrays)
	if err != nil {
		t.Fatalf("enqueue u1: %v", err)
	}
	if out.Matched {
		t.Fatal("u1 should wait")
	}

	out, err = e.Enqueue(ctx, "u2", "bob", easyArrays)
	if err != nil {
		t.Fatalf("enqueue u2: %v", err)
	}
	if !out.Matched || out.SessionID == "" {
		t.Fatalf("u2 should match immediately, got %+v", out)
	}

	st, err := e.CheckStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StatusMatched || st.SessionID != out.SessionID {
		t.Errorf("expected u1 matched to %s, got %+v", out.SessionID, st)
	}

	sess, err := e.GetSession(ctx, out.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.User1.UserID != "u1" || sess.User2.Username != "bob" {
		t.Errorf("unexpected participants %+v / %+v", sess.User1, sess.User2)
	}
}

func TestEngine_SecondEnqueueConflicts(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	if _, err := e.Enqueue(ctx, "u1", "alice", easyArrays); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	other := Criteria{Difficulty: []string{"hard"}, Topics: []string{"graphs"}}
	if _, err := e.Enqueue(ctx, "u1", "alice", other); !errors.Is(err, ErrAlreadySearching) {
		t.Errorf("expected ErrAlreadySearching, got %v", err)
	}
}

func TestEngine_OrderInsensitiveMatch(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "alice", Criteria{Difficulty: []string{"easy", "medium"}, Topics: []string{"dp", "arrays"}})
	out, err := e.Enqueue(ctx, "u2", "bob", Criteria{Difficulty: []string{"medium", "easy"}, Topics: []string{"arrays", "dp"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !out.Matched {
		t.Error("set-equal criteria should match")
	}
}

func TestEngine_NoPartialMatch(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "alice", Criteria{Difficulty: []string{"easy"}, Topics: []string{"arrays", "dp"}})
	out, _ := e.Enqueue(ctx, "u2", "bob", easyArrays)
	if out.Matched {
		t.Fatal("subset criteria must not match")
	}
	if store.queueLen(easyArrays.QueueKey()) != 1 {
		t.Error("u2 should be waiting in its own queue")
	}
}

func TestEngine_FIFOWithinQueue(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "alice", easyArrays)
	e.Enqueue(ctx, "u2", "bob", easyArrays) // pairs with u1
	e.Enqueue(ctx, "u3", "carol", easyArrays)
	e.Enqueue(ctx, "u4", "dave", easyArrays) // pairs with u3

	st, _ := e.CheckStatus(ctx, "u3")
	st4, _ := e.CheckStatus(ctx, "u4")
	if st.State != StatusMatched || st.SessionID != st4.SessionID {
		t.Errorf("u3 and u4 should share a session: %+v %+v", st, st4)
	}
}

func TestEngine_MatchCancelsTimeout(t *testing.T) {
	e, store, _ := newTestEngine(t, 40*time.Millisecond)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "alice", easyArrays)
	if _, ok := pendingEntry(e.timeouts, "u1"); !ok {
		t.Fatal("u1 should have an armed timeout")
	}
	out, _ := e.Enqueue(ctx, "u2", "bob", easyArrays)
	if !out.Matched {
		t.Fatal("expected match")
	}

	time.Sleep(120 * time.Millisecond)

	store.mu.Lock()
	terminates := store.terminates
	store.mu.Unlock()
	if terminates != 0 {
		t.Errorf("timeout fired after match (%d terminate calls)", terminates)
	}
	st, _ := e.CheckStatus(ctx, "u1")
	if st.State != StatusMatched {
		t.Errorf("u1 should still be matched, got %s", st.State)
	}
}

func TestEngine_SearchExpires(t *testing.T) {
	e, store, pub := newTestEngine(t, 30*time.Millisecond)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "alice", easyArrays)

	st, err := e.CheckStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StatusSearching {
		t.Fatalf("expected searching, got %s", st.State)
	}
	if st.Remaining > 30*time.Millisecond || st.Criteria == nil || st.Criteria.Topics[0] != "arrays" {
		t.Errorf("unexpected searching status %+v", st)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st, _ = e.CheckStatus(ctx, "u1"); st.State == StatusIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.State != StatusIdle {
		t.Fatalf("expected idle after timeout, got %s", st.State)
	}
	if store.queueLen(easyArrays.QueueKey()) != 0 {
		t.Error("queue entry should be removed on timeout")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if evs := pub.found["u1"]; len(evs) != 1 || !evs[0].Timeout {
		t.Errorf("expected one timeout event, got %+v", evs)
	}
}

func TestEngine_StaleTimerKeepsNewSearch(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "alice", easyArrays)
	oldEntry, _ := pendingEntry(e.timeouts, "u1")
	e.Terminate(ctx, "u1")
	e.Enqueue(ctx, "u1", "alice", easyArrays)

	e.expire("u1", oldEntry, easyArrays.QueueKey())

	st, _ := e.CheckStatus(ctx, "u1")
	if st.State != StatusSearching {
		t.Errorf("stale timer cancelled the new search: %s", st.State)
	}
	if store.queueLen(easyArrays.QueueKey()) != 1 {
		t.Error("new entry should remain queued")
	}
}

func TestEngine_TerminateIdempotent(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	if ok, err := e.Terminate(ctx, "u1"); err != nil || ok {
		t.Fatalf("terminate with no search: ok=%v err=%v", ok, err)
	}

	e.Enqueue(ctx, "u1", "alice", easyArrays)
	if ok, _ := e.Terminate(ctx, "u1"); !ok {
		t.Error("expected terminated=true")
	}
	if ok, _ := e.Terminate(ctx, "u1"); ok {
		t.Error("second terminate should be a no-op")
	}
	if store.queueLen(easyArrays.QueueKey()) != 0 {
		t.Error("queue entry should be gone")
	}
	if _, ok := pendingEntry(e.timeouts, "u1"); ok {
		t.Error("timeout should be cancelled")
	}
}

func TestEngine_EndSessionOnce(t *testing.T) {
	e, _, pub := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "alice", easyArrays)
	out, _ := e.Enqueue(ctx, "u2", "bob", easyArrays)

	if ok, err := e.EndSession(ctx, "u1"); err != nil || !ok {
		t.Fatalf("first end: ok=%v err=%v", ok, err)
	}
	if ok, err := e.EndSession(ctx, "u2"); err != nil || ok {
		t.Errorf("second end should be a no-op: ok=%v err=%v", ok, err)
	}
	if _, err := e.GetSession(ctx, out.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if st, _ := e.CheckStatus(ctx, "u2"); st.State != StatusIdle {
		t.Errorf("u2 should be idle, got %s", st.State)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.ended) != 1 || pub.ended[0].EndedBy != "u1" {
		t.Errorf("expected one session.ended by u1, got %+v", pub.ended)
	}
	if len(pub.found["u1"]) != 1 || pub.found["u1"][0].PartnerID != "u2" || pub.found["u1"][0].PartnerName != "bob" {
		t.Errorf("unexpected match.found for u1: %+v", pub.found["u1"])
	}
	if len(pub.found["u2"]) != 1 || pub.found["u2"][0].PartnerID != "u1" || pub.found["u2"][0].PartnerName != "alice" {
		t.Errorf("unexpected match.found for u2: %+v", pub.found["u2"])
	}
}

func TestEngine_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	if _, err := e.Enqueue(ctx, "", "x", easyArrays); !errors.Is(err, ErrInvalidCriteria) {
		t.Errorf("empty user: expected ErrInvalidCriteria, got %v", err)
	}
	if _, err := e.Enqueue(ctx, "u1", "x", Criteria{Difficulty: []string{"easy"}}); !errors.Is(err, ErrInvalidCriteria) {
		t.Errorf("no topics: expected ErrInvalidCriteria, got %v", err)
	}
}

func TestEngine_StoreFailure(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()
	store.err = errors.New("connection refused")

	if _, err := e.Enqueue(ctx, "u1", "alice", easyArrays); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("enqueue: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := e.CheckStatus(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("status: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := e.EndSession(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("end: expected ErrStoreUnavailable, got %v", err)
	}
}

func TestEngine_DefaultUsername(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Enqueue(ctx, "u1", "", easyArrays)
	out, _ := e.Enqueue(ctx, "u2", "bob", easyArrays)

	sess, err := e.GetSession(ctx, out.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.User1.Username != "u1" {
		t.Errorf("username should default to userId, got %q", sess.User1.Username)
	}
}
