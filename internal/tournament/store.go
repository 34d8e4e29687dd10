package tournament

import (
	"context"
	"sync"
)

// Store persists tournament snapshots.
type Store interface {
	SaveTournament(ctx context.Context, t *Tournament) error
	LoadTournaments(ctx context.Context) ([]*Tournament, error)
}

type memoryStore struct {
	mu   sync.RWMutex
	data map[string]*Tournament
}

func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string]*Tournament)}
}

func (m *memoryStore) SaveTournament(_ context.Context, t *Tournament) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[t.ID] = t.clone()
	return nil
}

func (m *memoryStore) LoadTournaments(_ context.Context) ([]*Tournament, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tournament, 0, len(m.data))
	for _, t := range m.data {
		out = append(out, t.clone())
	}
	return out, nil
}
