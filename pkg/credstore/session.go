package credstore

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/databridge-io/databridge/pkg/faults"
)

const (
	sessionIDBytes  = 16
	csrfTokenBytes  = 32
	sessionLifetime = 30 * time.Minute
)

// Session is one in-flight OAuth rendezvous. The CLI polls the session
// id while the user completes the browser flow.
type Session struct {
	ID        string
	CSRF      string
	CreatedAt time.Time
	Completed bool
	TeamID    string
	UserID    string
}

// SessionStore holds in-flight OAuth sessions in memory. Expired
// sessions are swept on every read.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create opens a new session with fresh random identifiers.
func (s *SessionStore) Create() (*Session, error) {
	id, err := randomHex(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	csrf, err := randomHex(csrfTokenBytes)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:        id,
		CSRF:      csrf,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.sessions[id] = session
	return session, nil
}

// Get returns a live session by id.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	copied := *session
	return &copied, true
}

// Complete marks the session as finished after the OAuth callback,
// verifying the CSRF token round-tripped through the provider intact.
func (s *SessionStore) Complete(id, csrf, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	session, ok := s.sessions[id]
	if !ok {
		return faults.New(faults.AuthExpired, "session not found or expired").
			WithRemediation("restart the OAuth flow")
	}
	if session.CSRF != csrf {
		return faults.New(faults.AuthExpired, "csrf token mismatch")
	}

	session.Completed = true
	session.TeamID = teamID
	session.UserID = userID
	return nil
}

// Delete removes a session once its result has been consumed.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *SessionStore) sweepLocked() {
	cutoff := s.now().Add(-sessionLifetime)
	for id, session := range s.sessions {
		if session.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", faults.Wrap(faults.Internal, "cannot generate random bytes", err)
	}
	return hex.EncodeToString(buf), nil
}
