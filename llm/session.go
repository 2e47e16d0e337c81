package llm

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// maxSessionMessages caps the history replayed per session. Older turns are
// evicted pairwise so the conversation always starts on a user message.
const maxSessionMessages = 40

// SessionStore keeps per-session conversation history so that steps sharing
// a session ID continue one conversation across stateless HTTP providers.
// Session IDs are opaque to callers and survive only for the process
// lifetime; a resumed thread that presents an unknown session ID simply
// starts a fresh conversation under the same ID.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string][]Message
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string][]Message)}
}

// NewSessionID generates a session handle (format: sess-{uuid8}).
func NewSessionID() string {
	return fmt.Sprintf("sess-%s", uuid.New().String()[:8])
}

// History returns a copy of the stored messages for a session. Unknown
// sessions return nil.
func (s *SessionStore) History(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.sessions[sessionID]
	out := make([]Message, len(history))
	copy(out, history)
	return out
}

// Append records a completed user/assistant exchange.
func (s *SessionStore) Append(sessionID string, user, assistant Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.sessions[sessionID], user, assistant)
	if len(history) > maxSessionMessages {
		history = history[len(history)-maxSessionMessages:]
	}
	s.sessions[sessionID] = history
}

// Delete discards a session's history.
func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
