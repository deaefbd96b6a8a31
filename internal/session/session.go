// Package session provides bounded conversation history: a durable
// SQLite-backed store fronted by an LRU cache of in-memory sessions.
package session

import (
	"sync"

	"databot/internal/domain"
)

const defaultMaxMessages = 50

// Session is a conversation with bounded message history. It is owned by
// the Manager's cache while resident; the durable copy lives in the store.
type Session struct {
	Key string

	mu          sync.Mutex
	history     []domain.Message
	maxMessages int
}

// NewSession wraps an existing history in a session. The history slice is
// taken over by the session.
func NewSession(key string, history []domain.Message, maxMessages int) *Session {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	return &Session{
		Key:         key,
		history:     history,
		maxMessages: maxMessages,
	}
}

// AddMessage appends a turn and trims the history to the most recent
// maxMessages entries, oldest dropped first. This bounds LLM context size
// independently of the cache's session-count bound.
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, domain.Message{Role: role, Content: content})
	if len(s.history) > s.maxMessages {
		s.history = s.history[len(s.history)-s.maxMessages:]
	}
}

// History returns a copy of the current history.
func (s *Session) History() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of messages currently held.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Clear empties the in-memory history.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}
