package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for session records (JSON strings).
	Prefix = "session:"

	// UserPrefix is the key prefix for userId -> sessionId pointers.
	UserPrefix = "user_session:"

	// DefaultTTL is the backstop expiry for session records and pointers.
	DefaultTTL = 1 * time.Hour

	// StatusActive is the status written on every new session.
	StatusActive = "active"
)

// Participant is one side of a session.
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Criteria is the search criteria both users matched on.
type Criteria struct {
	Difficulty []string `json:"difficulty"`
	Topics     []string `json:"topics"`
}

// Session is the record created when two searches are paired.
type Session struct {
	SessionID string      `json:"sessionId"`
	User1     Participant `json:"user1"`
	User2     Participant `json:"user2"`
	Criteria  Criteria    `json:"criteria"`
	MatchedAt string      `json:"matchedAt"`
	Status    string      `json:"status"`
}

// IsParticipant reports whether userID is one of the two matched users.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.User1.UserID || userID == s.User2.UserID
}

// Partner returns the other participant. ok is false for outsiders.
func (s *Session) Partner(userID string) (p Participant, ok bool) {
	switch userID {
	case s.User1.UserID:
		return s.User2, true
	case s.User2.UserID:
		return s.User1, true
	}
	return Participant{}, false
}

// Store reads and ends session records in Redis.
type Store struct {
	rdb       *redis.Client
	endScript *redis.Script
}

// NewStore creates a session store on an existing client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:       rdb,
		endScript: redis.NewScript(endSessionLua),
	}
}

// Get returns the session record, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, Prefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", sessionID, err)
	}
	return &sess, nil
}

// UserSession returns the session ID the user is currently bound to, or "".
func (s *Store) UserSession(ctx context.Context, userID string) (string, error) {
	sid, err := s.rdb.Get(ctx, UserPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: pointer for %s: %w", userID, err)
	}
	return sid, nil
}

// EndForUser deletes the session the user points at together with both
// participants' pointers. It returns the ended session ID, or "" when the
// user had no pointer left (already ended by either side).
func (s *Store) EndForUser(ctx context.Context, userID string) (string, error) {
	sid, err := s.endScript.Run(ctx, s.rdb, []string{UserPrefix + userID}, Prefix, UserPrefix).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: end for %s: %w", userID, err)
	}
	return sid, nil
}

// endSessionLua resolves the caller's pointer and removes the session plus
// both pointers in one step, so concurrent end calls tear down exactly once.
const endSessionLua = `
local sid = redis.call('GET', KEYS[1])
if not sid then return false end

local skey = ARGV[1] .. sid
local raw = redis.call('GET', skey)
if raw then
    local ok, sess = pcall(cjson.decode, raw)
    if ok and type(sess) == 'table' then
        if sess.user1 and sess.user1.userId then
            redis.call('DEL', ARGV[2] .. sess.user1.userId)
        end
        if sess.user2 and sess.user2.userId then
            redis.call('DEL', ARGV[2] .. sess.user2.userId)
        end
    end
    redis.call('DEL', skey)
end

redis.call('DEL', KEYS[1])
return sid
`
