package history

import (
	"context"
	"sync"
)

// Store persists turns per session. It is append-only: turns are never
// rewritten or removed.
type Store interface {
	Load(ctx context.Context, session string) ([]Turn, error)
	Append(ctx context.Context, session string, turns ...Turn) error
}

// MemoryStore keeps turns for the life of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Turn)}
}

func (m *MemoryStore) Load(_ context.Context, session string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Turn(nil), m.sessions[session]...), nil
}

func (m *MemoryStore) Append(_ context.Context, session string, turns ...Turn) error {
	m.mu.Lock()
	m.sessions[session] = append(m.sessions[session], turns...)
	m.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
