package reminder

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Store persists reminder tasks. Save is an upsert keyed by task id.
type Store interface {
	Save(ctx context.Context, t Task) error
	List(ctx context.Context) ([]Task, error)
}

type memoryStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]Task
}

func NewMemoryStore() Store {
	return &memoryStore{items: make(map[uuid.UUID]Task)}
}

func (m *memoryStore) Save(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[t.ID] = t
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.items))
	for _, t := range m.items {
		out = append(out, t)
	}
	return out, nil
}
