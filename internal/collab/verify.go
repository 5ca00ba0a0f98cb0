package collab

import (
	"context"

	"github.com/pairup/collab/internal/session"
	wsserver "github.com/pairup/collab/internal/ws"
)

// SessionLookup reads session records; *session.Store satisfies it.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
}

// SessionVerifier admits a connection only when the session exists and the
// user is one of its participants.
type SessionVerifier struct {
	sessions SessionLookup
}

// NewSessionVerifier returns a verifier backed by sessions.
func NewSessionVerifier(sessions SessionLookup) *SessionVerifier {
	return &SessionVerifier{sessions: sessions}
}

// Verify implements ws.SessionVerifier.
func (v *SessionVerifier) Verify(ctx context.Context, userID, sessionID string) error {
	sess, err := v.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return wsserver.ErrUnknownSession
	}
	if !sess.IsParticipant(userID) {
		return wsserver.ErrNotParticipant
	}
	return nil
}
