package resource

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Repository persists resource definitions. The registry is loaded from it
// at startup and written through on administrative changes.
type Repository interface {
	Save(ctx context.Context, r *Resource) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*Resource, error)
}

type memoryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Resource
}

// NewMemoryRepo returns a process-local repository used when no database is configured.
func NewMemoryRepo() Repository {
	return &memoryRepo{items: make(map[uuid.UUID]*Resource)}
}

func (m *memoryRepo) Save(_ context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[r.ID] = r.clone()
	return nil
}

func (m *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memoryRepo) List(_ context.Context) ([]*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Resource, 0, len(m.items))
	for _, r := range m.items {
		out = append(out, r.clone())
	}
	return out, nil
}
