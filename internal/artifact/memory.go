package artifact

import (
	"context"
	"sync"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]core.Artifact
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]core.Artifact), now: time.Now}
}

func (m *MemoryStore) Put(ctx context.Context, req PutRequest) (Ref, error) {
	req, err := normalize(req)
	if err != nil {
		return Ref{}, err
	}
	id := newID()
	art := core.Artifact{
		ID:        id,
		Type:      req.Type,
		Content:   req.Content,
		Encoding:  req.Encoding,
		Hash:      Hash(req.Content),
		URI:       "artifact://" + id,
		Metadata:  req.Metadata,
		CreatedAt: m.now().UTC(),
	}
	m.mu.Lock()
	m.items[id] = art
	m.mu.Unlock()
	return Ref{ID: id, URI: art.URI, Hash: art.Hash}, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (core.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	art, ok := m.items[id]
	if !ok {
		return core.Artifact{}, ErrNotFound
	}
	return cloneArtifact(art), nil
}

func (m *MemoryStore) GetMany(ctx context.Context, ids []string) (map[string]core.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.Artifact, len(ids))
	for _, id := range ids {
		if art, ok := m.items[id]; ok {
			out[id] = cloneArtifact(art)
		}
	}
	return out, nil
}

func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	art, ok := m.items[id]
	return ok && !art.Deleted(), nil
}

// Delete stamps the artifact as deleted. Content is left untouched.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if art.Deleted() {
		return nil
	}
	art = cloneArtifact(art)
	ts := m.now().UTC()
	art.DeletedAt = &ts
	art.Metadata[core.MetaDeletedAt] = ts.Format(time.RFC3339Nano)
	m.items[id] = art
	return nil
}

func cloneArtifact(a core.Artifact) core.Artifact {
	meta := make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	a.Metadata = meta
	if a.DeletedAt != nil {
		ts := *a.DeletedAt
		a.DeletedAt = &ts
	}
	return a
}

var _ Store = (*MemoryStore)(nil)
