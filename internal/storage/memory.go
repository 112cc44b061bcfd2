package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool-assignment/internal/models"
)

// MemoryStore is the default store for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[int64]models.Event
	users    map[int64]models.User
	vehicles map[int64]models.Vehicle
	rides    map[int64]models.Ride
	nextID   int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[int64]models.Event),
		users:    make(map[int64]models.User),
		vehicles: make(map[int64]models.Vehicle),
		rides:    make(map[int64]models.Ride),
	}
}

func (m *MemoryStore) PutEvent(e models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
}

func (m *MemoryStore) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) PutVehicle(v models.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
}

func (m *MemoryStore) GetEvent(_ context.Context, id int64) (models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return models.Event{}, fmt.Errorf("storage.MemoryStore.GetEvent: event %d: %w", id, models.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) ListActiveEvents(_ context.Context) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, 0, len(m.events))
	for _, e := range m.events {
		if !e.IsArchived {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("storage.MemoryStore.GetUser: user %d: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (m *MemoryStore) GetVehicle(_ context.Context, id int64) (models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return models.Vehicle{}, fmt.Errorf("storage.MemoryStore.GetVehicle: vehicle %d: %w", id, models.ErrNotFound)
	}
	return v, nil
}

func (m *MemoryStore) GetRide(_ context.Context, id int64) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("storage.MemoryStore.GetRide: ride %d: %w", id, models.ErrNotFound)
	}
	return m.hydrate(r), nil
}

func (m *MemoryStore) ListRidesByEvent(_ context.Context, eventID int64) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.EventID == eventID {
			out = append(out, m.hydrate(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) RideExists(_ context.Context, eventID, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existsLocked(eventID, userID), nil
}

func (m *MemoryStore) CreateRide(_ context.Context, r models.Ride) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(r.EventID, r.UserID) {
		return models.Ride{}, fmt.Errorf("storage.MemoryStore.CreateRide: user %d event %d: %w", r.UserID, r.EventID, models.ErrAlreadyRegistered)
	}
	m.nextID++
	r.ID = m.nextID
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Vehicle, r.User = nil, nil
	m.rides[r.ID] = r
	return m.hydrate(r), nil
}

func (m *MemoryStore) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rides[r.ID]
	if !ok {
		return fmt.Errorf("storage.MemoryStore.SaveRide: ride %d: %w", r.ID, models.ErrNotFound)
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	r.Vehicle, r.User = nil, nil
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) DeleteRide(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[id]; !ok {
		return fmt.Errorf("storage.MemoryStore.DeleteRide: ride %d: %w", id, models.ErrNotFound)
	}
	for pid, p := range m.rides {
		if p.DriverRideID != nil && *p.DriverRideID == id {
			p.DriverRideID = nil
			p.UpdatedAt = time.Now().UTC()
			m.rides[pid] = p
		}
	}
	delete(m.rides, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) existsLocked(eventID, userID int64) bool {
	for _, r := range m.rides {
		if r.EventID == eventID && r.UserID == userID {
			return true
		}
	}
	return false
}

// hydrate copies snapshots so callers never alias the store's maps.
func (m *MemoryStore) hydrate(r models.Ride) models.Ride {
	if r.VehicleID != nil {
		if v, ok := m.vehicles[*r.VehicleID]; ok {
			r.Vehicle = &v
		}
	}
	if u, ok := m.users[r.UserID]; ok {
		r.User = &u
	}
	return r
}
