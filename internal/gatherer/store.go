package gatherer

import (
	"context"
	"errors"
	"sync"
)

var ErrSessionNotFound = errors.New("gatherer session not found")

// SessionStore persists the open session of each conversation, keyed by conversation id.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, s Session) error
	// Update applies fn to the stored session atomically and stores the result.
	Update(ctx context.Context, id string, fn func(Session) (Session, error)) (Session, error)
}

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]Session{}}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ConversationID] = s.clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(Session) (Session, error)) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	next, err := fn(cur.clone())
	if err != nil {
		return Session{}, err
	}
	m.sessions[id] = next.clone()
	return next, nil
}
