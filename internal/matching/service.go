// Package matching pairs users searching with identical criteria. Waiting
// searches live in per-criteria Redis lists; every enqueue either pairs the
// caller with the oldest compatible entry or parks them with a timeout.
package matching

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pairup/collab/internal/config"
	"github.com/pairup/collab/internal/messaging"
	"github.com/pairup/collab/internal/metrics"
	"github.com/pairup/collab/internal/session"
)

// Search states reported by CheckStatus.
const (
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusMatched   = "matched"
)

// expireTimeout bounds the store call made when a search timer fires.
const expireTimeout = 5 * time.Second

// Publisher receives match and session events. *messaging.NATSClient
// satisfies it; a nil Publisher disables events.
type Publisher interface {
	PublishMatchFound(userID string, ev messaging.MatchFound) error
	PublishSessionEnded(ev messaging.SessionEnded) error
}

// EnqueueOutcome is the result of a match request.
type EnqueueOutcome struct {
	Matched   bool
	SessionID string
	QueueKey  string
	Session   *session.Session // matched only
}

// Status is a point-in-time view of a user's matching state.
type Status struct {
	State     string
	SessionID string        // matched only
	Elapsed   time.Duration // searching only
	Remaining time.Duration // searching only
	Criteria  *Criteria     // searching only
}

// Engine owns enqueue, termination, status and session teardown.
type Engine struct {
	store    QueueStore
	pub      Publisher
	cfg      config.MatchingConfig
	timeouts *timeouts
	now      func() time.Time
}

// NewEngine creates an engine on the given store. pub may be nil.
func NewEngine(store QueueStore, pub Publisher, cfg config.MatchingConfig) *Engine {
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = config.Default().Matching.MatchTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	return &Engine{
		store:    store,
		pub:      pub,
		cfg:      cfg,
		timeouts: newTimeouts(),
		now:      time.Now,
	}
}

// Enqueue starts a search for userID. If a compatible search is already
// waiting the pair is matched immediately; otherwise the caller is queued and
// auto-terminated after the match timeout.
func (e *Engine) Enqueue(ctx context.Context, userID, username string, criteria Criteria) (EnqueueOutcome, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return EnqueueOutcome{}, ErrInvalidCriteria
	}
	if err := criteria.Validate(); err != nil {
		return EnqueueOutcome{}, err
	}
	if username == "" {
		username = userID
	}

	c := criteria.Normalize()
	now := e.now()
	queueKey := c.QueueKey()
	entry := QueueEntry{
		ID:         uuid.New().String(),
		UserID:     userID,
		Username:   username,
		Difficulty: c.Difficulty,
		Topics:     c.Topics,
		Criteria:   c.Canonical(),
		JoinedAt:   now.UnixMilli(),
	}

	res, err := e.store.Enqueue(ctx, EnqueueRequest{
		QueueKey:   queueKey,
		Entry:      entry,
		SessionID:  uuid.New().String(),
		MatchedAt:  now,
		SearchTTL:  e.cfg.MatchTimeout,
		SessionTTL: e.cfg.SessionTTL,
	})
	if errors.Is(err, ErrAlreadySearching) {
		metrics.MatchRequests.WithLabelValues("conflict").Inc()
		return EnqueueOutcome{}, err
	}
	if err != nil {
		return EnqueueOutcome{}, storeErr("enqueue "+userID, err)
	}

	if res.Matched {
		e.onMatch(userID, res, now)
		return EnqueueOutcome{Matched: true, SessionID: res.Session.SessionID, QueueKey: queueKey, Session: res.Session}, nil
	}

	e.timeouts.Schedule(userID, entry.ID, e.cfg.MatchTimeout, func() {
		e.expire(userID, entry.ID, queueKey)
	})
	metrics.MatchRequests.WithLabelValues("queued").Inc()
	log.Printf("[matcher] %s queued in %s, waiting...", userID, queueKey)

	return EnqueueOutcome{QueueKey: queueKey}, nil
}

func (e *Engine) onMatch(userID string, res EnqueueResult, now time.Time) {
	partner := res.Partner
	e.timeouts.Cancel(partner.UserID)
	e.timeouts.Cancel(userID)

	metrics.MatchRequests.WithLabelValues("matched").Inc()
	if wait := now.Sub(time.UnixMilli(partner.JoinedAt)); wait >= 0 {
		metrics.MatchWait.Observe(wait.Seconds())
	}

	sess := res.Session
	log.Printf("[matcher] match found: %s <-> %s session=%s", partner.UserID, userID, sess.SessionID)

	if e.pub == nil {
		return
	}
	for _, uid := range []string{partner.UserID, userID} {
		other, ok := sess.Partner(uid)
		if !ok {
			log.Printf("[matcher] session %s does not include %s", sess.SessionID, uid)
			continue
		}
		if err := e.pub.PublishMatchFound(uid, messaging.MatchFound{
			SessionID: sess.SessionID, PartnerID: other.UserID, PartnerName: other.Username,
		}); err != nil {
			log.Printf("[matcher] publish match.found for %s: %v", uid, err)
		}
	}
}

// expire is the timer path: it only removes the search the timer was armed
// for, so a stale timer cannot cancel a newer search.
func (e *Engine) expire(userID, entryID, queueKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	ok, err := e.store.Terminate(ctx, userID, entryID, queueKey)
	if err != nil {
		log.Printf("[matcher] timeout terminate %s: %v", userID, err)
		return
	}
	if !ok {
		return
	}

	metrics.MatchTimeouts.Inc()
	log.Printf("[matcher] timeout for %s after %s", userID, e.cfg.MatchTimeout)

	if e.pub != nil {
		if err := e.pub.PublishMatchFound(userID, messaging.MatchFound{Timeout: true}); err != nil {
			log.Printf("[matcher] publish timeout for %s: %v", userID, err)
		}
	}
}

// Terminate cancels the user's search. It is a no-op returning false when no
// search is active.
func (e *Engine) Terminate(ctx context.Context, userID string) (bool, error) {
	e.timeouts.Cancel(userID)

	ok, err := e.store.Terminate(ctx, userID, "", "")
	if err != nil {
		return false, storeErr("terminate "+userID, err)
	}
	if ok {
		log.Printf("[matcher] %s removed from queue", userID)
	}
	return ok, nil
}

// CheckStatus reports matched, searching or idle, in that precedence.
func (e *Engine) CheckStatus(ctx context.Context, userID string) (Status, error) {
	sid, err := e.store.UserSession(ctx, userID)
	if err != nil {
		return Status{}, storeErr("status "+userID, err)
	}
	if sid != "" {
		return Status{State: StatusMatched, SessionID: sid}, nil
	}

	a, err := e.store.ActiveSearch(ctx, userID)
	if err != nil {
		return Status{}, storeErr("status "+userID, err)
	}
	if a == nil {
		return Status{State: StatusIdle}, nil
	}

	elapsed := e.now().Sub(time.UnixMilli(a.JoinedAt))
	return Status{
		State:     StatusSearching,
		Elapsed:   elapsed,
		Remaining: max(e.cfg.MatchTimeout-elapsed, 0),
		Criteria:  &Criteria{Difficulty: a.Difficulty, Topics: a.Topics},
	}, nil
}

// GetSession returns the session record or ErrSessionNotFound.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return nil, storeErr("get session "+sessionID, err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// EndSession tears down the session the user belongs to. Only the first call
// across both participants ends it; later calls return false.
func (e *Engine) EndSession(ctx context.Context, userID string) (bool, error) {
	sid, err := e.store.EndSession(ctx, userID)
	if err != nil {
		return false, storeErr("end session for "+userID, err)
	}
	if sid == "" {
		return false, nil
	}

	log.Printf("[matcher] session %s ended by %s", sid, userID)
	if e.pub != nil {
		if err := e.pub.PublishSessionEnded(messaging.SessionEnded{SessionID: sid, EndedBy: userID}); err != nil {
			log.Printf("[matcher] publish session.ended for %s: %v", sid, err)
		}
	}
	return true, nil
}

// Stats returns the waiting count of every non-empty queue.
func (e *Engine) Stats(ctx context.Context) ([]QueueStat, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	return stats, nil
}

// Close stops every pending search timer. Searches stay in the store and
// expire through their TTL.
func (e *Engine) Close() {
	n := e.timeouts.StopAll()
	log.Printf("[matcher] engine stopped (%d search timers cancelled)", n)
}
