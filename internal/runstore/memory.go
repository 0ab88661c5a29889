package runstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// MemoryStore keeps sessions in process. Values are deep-copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string][]byte{}}
}

func (m *MemoryStore) Create(_ context.Context, s core.RunnerSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.RunID]; ok {
		return ErrRunExists
	}
	m.sessions[s.RunID] = data
	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (core.RunnerSession, error) {
	m.mu.RLock()
	data, ok := m.sessions[runID]
	m.mu.RUnlock()
	if !ok {
		return core.RunnerSession{}, ErrRunNotFound
	}
	return decode(data)
}

func (m *MemoryStore) Update(_ context.Context, runID string, fn func(*core.RunnerSession) error) (core.RunnerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.sessions[runID]
	if !ok {
		return core.RunnerSession{}, ErrRunNotFound
	}
	s, err := decode(data)
	if err != nil {
		return core.RunnerSession{}, err
	}
	if err := fn(&s); err != nil {
		return core.RunnerSession{}, err
	}
	next, err := json.Marshal(s)
	if err != nil {
		return core.RunnerSession{}, err
	}
	m.sessions[runID] = next
	return s, nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter, limit int) ([]core.RunnerSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.RunnerSession
	for _, data := range m.sessions {
		s, err := decode(data)
		if err != nil {
			return nil, err
		}
		if f.matches(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func decode(data []byte) (core.RunnerSession, error) {
	var s core.RunnerSession
	err := json.Unmarshal(data, &s)
	return s, err
}

var _ Store = (*MemoryStore)(nil)
