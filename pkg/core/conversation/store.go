// Package conversation holds the process-wide mapping from a conversation
// key to the agent session that should be resumed for it.
package conversation

import (
	"sort"
	"sync"
)

// DefaultKey is used when the caller does not identify a conversation.
const DefaultKey = "default"

// Session is one resumable agent conversation.
type Session struct {
	Key              string
	ResumeToken      string
	WorkingDirectory string
}

// Store is a last-writer-wins key/value store of sessions.
type Store interface {
	Get(key string) (Session, bool)
	Set(s Session)
	Delete(key string)
	Len() int
}

// Key normalizes a caller supplied conversation id.
func Key(id string) string {
	if id == "" {
		return DefaultKey
	}
	return id
}

// RecordResumeToken stores token for key, keeping the working directory
// already associated with it.
func RecordResumeToken(s Store, key, token string) {
	if s == nil || token == "" {
		return
	}
	key = Key(key)
	sess, _ := s.Get(key)
	sess.Key = key
	sess.ResumeToken = token
	s.Set(sess)
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Get(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[Key(key)]
	return s, ok
}

func (m *MemoryStore) Set(s Session) {
	s.Key = Key(s.Key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]Session)
	}
	m.sessions[s.Key] = s
}

func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, Key(key))
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Keys returns the stored conversation keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		out = append(out, k)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
