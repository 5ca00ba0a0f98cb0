// Package api exposes the matching engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pairup/collab/internal/matching"
	"github.com/pairup/collab/internal/ratelimit"
	"github.com/pairup/collab/internal/session"
)

// Client-facing error messages.
const (
	msgMissingFields    = "Missing required fields: userId, difficulty, topics"
	msgInvalidBody      = "Invalid request body"
	msgAlreadySearching = "User is already in a matching queue"
	msgSessionNotFound  = "Session not found"
	msgRateLimited      = "rate limited"
	msgInternal         = "Internal server error"
)

// Matcher is the subset of *matching.Engine the handlers use.
type Matcher interface {
	Enqueue(ctx context.Context, userID, username string, criteria matching.Criteria) (matching.EnqueueOutcome, error)
	Terminate(ctx context.Context, userID string) (bool, error)
	CheckStatus(ctx context.Context, userID string) (matching.Status, error)
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	EndSession(ctx context.Context, userID string) (bool, error)
	Stats(ctx context.Context) ([]matching.QueueStat, error)
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler serves the /matching endpoints.
type Handler struct {
	matcher Matcher
	limiter RateLimiter
	rule    ratelimit.Rule
}

// NewHandler creates a Handler. limiter may be nil to disable rate limiting.
func NewHandler(m Matcher, limiter RateLimiter, rule ratelimit.Rule) *Handler {
	return &Handler{matcher: m, limiter: limiter, rule: rule}
}

// MatchRequest is the body of POST /matching/match.
type MatchRequest struct {
	UserID     string   `json:"userId"`
	Username   string   `json:"username"`
	Difficulty []string `json:"difficulty"`
	Topics     []string `json:"topics"`
}

// StartMatch handles POST /matching/match.
func (h *Handler) StartMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.UserID == "" || len(req.Difficulty) == 0 || len(req.Topics) == 0 {
		writeError(w, http.StatusBadRequest, msgMissingFields)
		return
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(r.Context(), req.UserID, h.rule); !ok {
			writeError(w, http.StatusTooManyRequests, msgRateLimited)
			return
		}
	}

	out, err := h.matcher.Enqueue(r.Context(), req.UserID, req.Username,
		matching.Criteria{Difficulty: req.Difficulty, Topics: req.Topics})
	switch {
	case errors.Is(err, matching.ErrInvalidCriteria):
		writeError(w, http.StatusBadRequest, msgMissingFields)
		return
	case errors.Is(err, matching.ErrAlreadySearching):
		writeError(w, http.StatusConflict, msgAlreadySearching)
		return
	case err != nil:
		log.Printf("[api] start match user=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if out.Matched {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"matchFound": true,
			"sessionId":  out.SessionID,
			"matchData":  out.Session,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"matchFound": false,
		"message":    "Searching for a match...",
		"queueKey":   out.QueueKey,
	})
}

// TerminateMatch handles DELETE /matching/match/{userId}.
func (h *Handler) TerminateMatch(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	terminated, err := h.matcher.Terminate(r.Context(), userID)
	if err != nil {
		log.Printf("[api] terminate user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	msg := "No active search found"
	if terminated {
		msg = "Matching terminated successfully"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"terminated": terminated,
		"message":    msg,
	})
}

// CheckStatus handles GET /matching/status/{userId}. Times are in
// milliseconds.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	st, err := h.matcher.CheckStatus(r.Context(), userID)
	if err != nil {
		log.Printf("[api] status user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	resp := map[string]interface{}{
		"success": true,
		"status":  st.State,
	}
	switch st.State {
	case matching.StatusMatched:
		resp["sessionId"] = st.SessionID
	case matching.StatusSearching:
		resp["elapsedTime"] = st.Elapsed.Milliseconds()
		resp["remainingTime"] = st.Remaining.Milliseconds()
		if st.Criteria != nil {
			resp["criteria"] = session.Criteria(*st.Criteria)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /matching/session/{sessionId}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	sess, err := h.matcher.GetSession(r.Context(), sessionID)
	if errors.Is(err, matching.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, msgSessionNotFound)
		return
	}
	if err != nil {
		log.Printf("[api] get session=%s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    sess,
	})
}

// EndSession handles DELETE /matching/session/{userId}.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	ended, err := h.matcher.EndSession(r.Context(), userID)
	if err != nil {
		log.Printf("[api] end session user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	msg := "No active session found"
	if ended {
		msg = "Session ended successfully"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"ended":   ended,
		"message": msg,
	})
}

// Stats handles GET /matching/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.matcher.Stats(r.Context())
	if err != nil {
		log.Printf("[api] stats: %v", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if stats == nil {
		stats = []matching.QueueStat{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    stats,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
