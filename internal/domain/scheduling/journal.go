package scheduling

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Journal persists appointments. SaveAppointment is last-writer-wins by
// Version: a save carrying an older version than the stored one is ignored.
type Journal interface {
	SaveAppointment(ctx context.Context, a *Appointment) error
	ListAppointments(ctx context.Context) ([]*Appointment, error)
}

type memoryJournal struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Appointment
}

func NewMemoryJournal() Journal {
	return &memoryJournal{items: make(map[uuid.UUID]*Appointment)}
}

func (m *memoryJournal) SaveAppointment(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[a.ID]; ok && cur.Version >= a.Version {
		return nil
	}
	m.items[a.ID] = a.clone()
	return nil
}

func (m *memoryJournal) ListAppointments(_ context.Context) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Appointment, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, a.clone())
	}
	return out, nil
}
