package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairup/collab/internal/session"
)

// ActivePrefix is the Redis key prefix for active-search markers.
const ActivePrefix = "active_search:"

// QueueEntry is one waiting search in a criteria queue. ID is unique per
// search, so removal never depends on the rest of the payload.
type QueueEntry struct {
	ID         string   `json:"id"`
	UserID     string   `json:"userId"`
	Username   string   `json:"username"`
	Difficulty []string `json:"difficulty"`
	Topics     []string `json:"topics"`
	Criteria   string   `json:"criteria"` // Criteria.Canonical()
	JoinedAt   int64    `json:"joinedAt"` // unix ms
}

// ActiveSearch marks a user's outstanding search. It expires with the match
// timeout as a backstop for lost timers.
type ActiveSearch struct {
	EntryID    string   `json:"entryId"`
	QueueKey   string   `json:"queueKey"`
	Username   string   `json:"username"`
	Difficulty []string `json:"difficulty"`
	Topics     []string `json:"topics"`
	JoinedAt   int64    `json:"joinedAt"`
}

// EnqueueRequest carries everything the store needs to either pair the
// caller or park them.
type EnqueueRequest struct {
	QueueKey   string
	Entry      QueueEntry
	SessionID  string // used only if a partner is found
	MatchedAt  time.Time
	SearchTTL  time.Duration
	SessionTTL time.Duration
}

// EnqueueResult is the outcome of an enqueue. Session and Partner are set
// only when Matched is true.
type EnqueueResult struct {
	Matched bool
	Session *session.Session
	Partner *QueueEntry
}

// QueueStat is the number of waiting users in one criteria queue.
type QueueStat struct {
	QueueKey     string `json:"queueKey"`
	WaitingUsers int64  `json:"waitingUsers"`
}

// QueueStore is the shared storage behind the matching engine. Enqueue and
// Terminate must each be atomic with respect to every other call.
type QueueStore interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error)
	Terminate(ctx context.Context, userID, entryID, queueKey string) (bool, error)
	ActiveSearch(ctx context.Context, userID string) (*ActiveSearch, error)
	UserSession(ctx context.Context, userID string) (string, error)
	Session(ctx context.Context, sessionID string) (*session.Session, error)
	EndSession(ctx context.Context, userID string) (string, error)
	Stats(ctx context.Context) ([]QueueStat, error)
	Sweep(ctx context.Context) (removed int, waiting int64, err error)
}

// RedisStore implements QueueStore with Lua scripts so that scan, remove and
// session creation happen as one step on the server. All keys live on a single
// Redis instance; the scripts touch keys derived from queue contents and are
// not cluster safe.
type RedisStore struct {
	rdb             *redis.Client
	sessions        *session.Store
	enqueueScript   *redis.Script
	terminateScript *redis.Script
}

// NewRedisStore creates a queue store on an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:             rdb,
		sessions:        session.NewStore(rdb),
		enqueueScript:   redis.NewScript(enqueueLua),
		terminateScript: redis.NewScript(terminateLua),
	}
}

// Enqueue pairs the caller with the oldest compatible entry or appends the
// caller's entry. Returns ErrAlreadySearching if the caller has an active search.
func (s *RedisStore) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	entryRaw, err := json.Marshal(req.Entry)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("matching: marshal entry: %w", err)
	}
	activeRaw, err := json.Marshal(ActiveSearch{
		EntryID:    req.Entry.ID,
		QueueKey:   req.QueueKey,
		Username:   req.Entry.Username,
		Difficulty: req.Entry.Difficulty,
		Topics:     req.Entry.Topics,
		JoinedAt:   req.Entry.JoinedAt,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("matching: marshal active search: %w", err)
	}

	keys := []string{req.QueueKey, ActivePrefix + req.Entry.UserID}
	args := []interface{}{
		req.Entry.UserID,
		req.Entry.Username,
		req.Entry.Criteria,
		string(entryRaw),
		string(activeRaw),
		ttlMillis(req.SearchTTL),
		ActivePrefix,
		session.Prefix,
		session.UserPrefix,
		req.SessionID,
		req.MatchedAt.UTC().Format(time.RFC3339Nano),
		ttlMillis(req.SessionTTL),
		session.StatusActive,
	}

	res, err := s.enqueueScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return EnqueueResult{}, err
	}
	if len(res) == 0 {
		return EnqueueResult{}, fmt.Errorf("matching: empty enqueue reply")
	}

	code, _ := res[0].(int64)
	switch code {
	case -1:
		return EnqueueResult{}, ErrAlreadySearching
	case 0:
		return EnqueueResult{}, nil
	}

	if len(res) < 3 {
		return EnqueueResult{}, fmt.Errorf("matching: short enqueue reply (%d items)", len(res))
	}
	sessRaw, _ := res[1].(string)
	partnerRaw, _ := res[2].(string)

	var sess session.Session
	if err := json.Unmarshal([]byte(sessRaw), &sess); err != nil {
		return EnqueueResult{}, fmt.Errorf("matching: decode session: %w", err)
	}
	var partner QueueEntry
	if err := json.Unmarshal([]byte(partnerRaw), &partner); err != nil {
		return EnqueueResult{}, fmt.Errorf("matching: decode partner entry: %w", err)
	}
	return EnqueueResult{Matched: true, Session: &sess, Partner: &partner}, nil
}

// ttlMillis converts a TTL for SET PX. Redis rejects a zero expiry, so
// sub-millisecond values round up to 1ms.
func ttlMillis(d time.Duration) int64 {
	return max(d.Milliseconds(), 1)
}

// Terminate removes the user's active search and its queue entry. When
// entryID is set, only that search is terminated; queueKey lets the entry be
// found after the active-search marker has already expired.
func (s *RedisStore) Terminate(ctx context.Context, userID, entryID, queueKey string) (bool, error) {
	n, err := s.terminateScript.Run(ctx, s.rdb,
		[]string{ActivePrefix + userID, queueKey}, entryID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ActiveSearch returns the user's active search, or nil if there is none.
func (s *RedisStore) ActiveSearch(ctx context.Context, userID string) (*ActiveSearch, error) {
	raw, err := s.rdb.Get(ctx, ActivePrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var a ActiveSearch
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("matching: decode active search for %s: %w", userID, err)
	}
	return &a, nil
}

// UserSession returns the session the user is bound to, or "".
func (s *RedisStore) UserSession(ctx context.Context, userID string) (string, error) {
	return s.sessions.UserSession(ctx, userID)
}

// Session returns the session record, or nil if it does not exist.
func (s *RedisStore) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// EndSession tears down the user's session; see session.Store.EndForUser.
func (s *RedisStore) EndSession(ctx context.Context, userID string) (string, error) {
	return s.sessions.EndForUser(ctx, userID)
}

// Stats returns the size of every non-empty criteria queue.
func (s *RedisStore) Stats(ctx context.Context) ([]QueueStat, error) {
	var stats []QueueStat
	err := s.scanQueues(ctx, func(key string) error {
		n, err := s.rdb.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			stats = append(stats, QueueStat{
				QueueKey:     strings.TrimPrefix(key, QueuePrefix),
				WaitingUsers: n,
			})
		}
		return nil
	})
	return stats, err
}

// Sweep removes queue entries whose active search is gone or belongs to a
// newer search, and returns the number removed plus the entries still waiting.
func (s *RedisStore) Sweep(ctx context.Context) (int, int64, error) {
	removed := 0
	var waiting int64

	err := s.scanQueues(ctx, func(key string) error {
		items, err := s.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, raw := range items {
			if s.isLive(ctx, raw) {
				waiting++
				continue
			}
			n, err := s.rdb.LRem(ctx, key, 1, raw).Result()
			if err != nil {
				return err
			}
			removed += int(n)
		}
		return nil
	})
	return removed, waiting, err
}

// isLive reports whether a raw queue entry still has a matching active search.
// Lookup errors count as live so a flaky read never drops a real search.
func (s *RedisStore) isLive(ctx context.Context, raw string) bool {
	var e QueueEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.UserID == "" {
		return false
	}
	a, err := s.ActiveSearch(ctx, e.UserID)
	if err != nil {
		log.Printf("[matcher] sweep: active search for %s: %v", e.UserID, err)
		return true
	}
	return a != nil && a.EntryID == e.ID
}

func (s *RedisStore) scanQueues(ctx context.Context, fn func(key string) error) error {
	iter := s.rdb.Scan(ctx, 0, QueuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

// enqueueLua performs the conflict check, the FIFO partner scan and either the
// match or the append in one step.
//
// KEYS[1] queue key, KEYS[2] caller's active-search key
// ARGV: userId, username, canonical criteria, entry JSON, active JSON,
// search TTL ms, active prefix, session prefix, user-session prefix,
// session id, matchedAt, session TTL ms, session status
//
// Returns {-1} on conflict, {0} when queued, {1, session JSON, partner entry
// JSON} on match.
const enqueueLua = `
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {-1}
end

local user_id = ARGV[1]
local criteria = ARGV[3]
local active_prefix = ARGV[7]

local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, raw in ipairs(items) do
    local ok, e = pcall(cjson.decode, raw)
    local live = false
    if ok and type(e) == 'table' and e.userId and e.userId ~= user_id then
        local araw = redis.call('GET', active_prefix .. e.userId)
        if araw then
            local aok, a = pcall(cjson.decode, araw)
            live = aok and type(a) == 'table' and a.entryId == e.id
        end
    end

    if not live then
        redis.call('LREM', KEYS[1], 1, raw)
    elseif e.criteria == criteria then
        redis.call('LREM', KEYS[1], 1, raw)
        redis.call('DEL', active_prefix .. e.userId)

        local sid = ARGV[10]
        local ttl = ARGV[12]
        local sess = cjson.encode({
            sessionId = sid,
            user1 = { userId = e.userId, username = e.username },
            user2 = { userId = user_id, username = ARGV[2] },
            criteria = { difficulty = e.difficulty, topics = e.topics },
            matchedAt = ARGV[11],
            status = ARGV[13],
        })
        redis.call('SET', ARGV[8] .. sid, sess, 'PX', ttl)
        redis.call('SET', ARGV[9] .. e.userId, sid, 'PX', ttl)
        redis.call('SET', ARGV[9] .. user_id, sid, 'PX', ttl)
        return {1, sess, raw}
    end
end

redis.call('RPUSH', KEYS[1], ARGV[4])
redis.call('SET', KEYS[2], ARGV[5], 'PX', ARGV[6])
return {0}
`

// terminateLua removes a search and its queue entry.
//
// KEYS[1] active-search key, KEYS[2] queue key hint (may be empty)
// ARGV[1] expected entry id, or empty for whichever search is active
//
// Returns 1 if anything was removed, 0 otherwise.
const terminateLua = `
local entry_id = ARGV[1]
local queue_key = KEYS[2]
local removed = 0

local raw = redis.call('GET', KEYS[1])
if raw then
    local ok, a = pcall(cjson.decode, raw)
    if ok and type(a) == 'table' then
        if entry_id ~= '' and a.entryId ~= entry_id then
            return 0
        end
        entry_id = a.entryId or entry_id
        queue_key = a.queueKey or queue_key
    end
    redis.call('DEL', KEYS[1])
    removed = 1
end

if entry_id ~= '' and queue_key ~= '' then
    local items = redis.call('LRANGE', queue_key, 0, -1)
    for _, item in ipairs(items) do
        local ok, e = pcall(cjson.decode, item)
        if ok and type(e) == 'table' and e.id == entry_id then
            redis.call('LREM', queue_key, 1, item)
            removed = 1
            break
        end
    end
end

return removed
`
