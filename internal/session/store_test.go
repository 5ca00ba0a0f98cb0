package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/pairup/collab/internal/testutil"
)

// newTestStore runs against the shared test Redis (local or container).
func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()

	rdb := testutil.Redis(t)
	return NewStore(rdb), rdb
}

func seedSession(t *testing.T, rdb *redis.Client, sess Session) {
	t.Helper()
	ctx := context.Background()

	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rdb.Set(ctx, Prefix+sess.SessionID, data, DefaultTTL)
	rdb.Set(ctx, UserPrefix+sess.User1.UserID, sess.SessionID, DefaultTTL)
	rdb.Set(ctx, UserPrefix+sess.User2.UserID, sess.SessionID, DefaultTTL)
}

func testSession() Session {
	return Session{
		SessionID: "s-1",
		User1:     Participant{UserID: "u1", Username: "alice"},
		User2:     Participant{UserID: "u2", Username: "bob"},
		Criteria:  Criteria{Difficulty: []string{"easy"}, Topics: []string{"arrays"}},
		Status:    StatusActive,
	}
}

func TestGet_RoundTrip(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()
	seedSession(t, rdb, testSession())

	sess, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.User1.Username != "alice" || sess.User2.UserID != "u2" {
		t.Errorf("unexpected participants: %+v %+v", sess.User1, sess.User2)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown session; got %+v, %v", missing, err)
	}
}

func TestEndForUser_TearsDownOnce(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()
	seedSession(t, rdb, testSession())

	sid, err := store.EndForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("EndForUser: %v", err)
	}
	if sid != "s-1" {
		t.Fatalf("expected s-1 ended, got %q", sid)
	}

	for _, key := range []string{Prefix + "s-1", UserPrefix + "u1", UserPrefix + "u2"} {
		if n := rdb.Exists(ctx, key).Val(); n != 0 {
			t.Errorf("expected %s deleted", key)
		}
	}

	// The partner ending afterwards is a no-op.
	sid, err = store.EndForUser(ctx, "u2")
	if err != nil {
		t.Fatalf("second EndForUser: %v", err)
	}
	if sid != "" {
		t.Errorf("expected no session for partner, got %q", sid)
	}
}

func TestSession_PartnerAndParticipant(t *testing.T) {
	sess := testSession()

	if p, ok := sess.Partner("u1"); !ok || p.UserID != "u2" || p.Username != "bob" {
		t.Errorf("partner of u1 = %+v (%v), want u2/bob", p, ok)
	}
	if p, ok := sess.Partner("u2"); !ok || p.UserID != "u1" || p.Username != "alice" {
		t.Errorf("partner of u2 = %+v (%v), want u1/alice", p, ok)
	}
	if _, ok := sess.Partner("u3"); ok {
		t.Error("outsider should have no partner")
	}
	if !sess.IsParticipant("u2") || sess.IsParticipant("u3") {
		t.Error("participant check mismatch")
	}
}
