package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
)

// MemoryStore keeps appointments in process memory. It enforces the same
// overlap guard as the Postgres exclusion constraint.
type MemoryStore struct {
	mu    sync.RWMutex
	store map[string]*appointment.Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{store: make(map[string]*appointment.Appointment)}
}

func (m *MemoryStore) Find(ctx context.Context, f appointment.Filter) ([]*appointment.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*appointment.Appointment, 0)
	for _, a := range m.store {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sortBySchedule(out)
	return out, nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*appointment.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.store[id]; ok {
		return a.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) Create(ctx context.Context, a *appointment.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[a.ID]; ok {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	if a.Status.Active() && m.overlapsLocked(a.DoctorID, a.Window(), a.ID) {
		return ErrOverlap
	}
	m.store[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, p appointment.Patch) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[id]
	if !ok {
		return nil, ErrStoreNotFound
	}
	if p.ExpectStatus != "" && cur.Status != p.ExpectStatus {
		return nil, ErrStatusChanged
	}
	next := cur.Clone()
	p.Apply(next)
	if next.Status.Active() && m.overlapsLocked(next.DoctorID, next.Window(), id) {
		return nil, ErrOverlap
	}
	m.store[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) overlapsLocked(doctorID string, w appointment.Window, exclude string) bool {
	for _, a := range m.store {
		if a.ID == exclude || a.DoctorID != doctorID || !a.Status.Active() {
			continue
		}
		if a.Window().Overlaps(w) {
			return true
		}
	}
	return false
}

func sortBySchedule(list []*appointment.Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ScheduledAt.Before(list[j].ScheduledAt)
	})
}
