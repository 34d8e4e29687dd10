package rating

import (
	"context"
	"sync"

	"github.com/park285/cheese-chess-server/internal/domain"
)

// Store persists rating records. Get reports found=false for a player who
// has never been rated in the bucket.
type Store interface {
	Get(ctx context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, bool, error)
	Put(ctx context.Context, rec domain.RatingRecord) error
}

// memStore is the in-memory Store used when no database is configured.
type memStore struct {
	mu      sync.RWMutex
	records map[string]domain.RatingRecord // bucket|player -> record
}

func NewMemoryStore() Store {
	return &memStore{records: make(map[string]domain.RatingRecord)}
}

func (m *memStore) Get(_ context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey(playerID, bucket)]
	return rec, ok, nil
}

func (m *memStore) Put(_ context.Context, rec domain.RatingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey(rec.PlayerID, rec.Bucket)] = rec
	return nil
}

func recordKey(playerID string, bucket domain.Bucket) string {
	return string(bucket) + "|" + playerID
}
