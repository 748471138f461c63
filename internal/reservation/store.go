// Package reservation persists reservation aggregates and serialises writers
// per reservation.
package reservation

import (
	"context"
	"errors"
	"sync"

	"github.com/odyssey-erp/folio/internal/billing"
)

var (
	// ErrNotFound indicates an unknown reservation id.
	ErrNotFound = errors.New("reservation: not found")
	// ErrExists indicates a reservation with the same id is already stored.
	ErrExists = errors.New("reservation: already exists")
	// ErrVersionConflict indicates the reservation changed since it was read.
	ErrVersionConflict = errors.New("reservation: version conflict")
)

// Store loads and saves whole reservations. Save succeeds only when the
// stored version equals r.Version and returns r with the bumped version.
type Store interface {
	Get(ctx context.Context, id string) (billing.Reservation, error)
	Create(ctx context.Context, r billing.Reservation) (billing.Reservation, error)
	Save(ctx context.Context, r billing.Reservation) (billing.Reservation, error)
}

// MemoryStore keeps reservations in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]billing.Reservation
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]billing.Reservation)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (billing.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	if !ok {
		return billing.Reservation{}, ErrNotFound
	}
	return r.Clone(), nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, r billing.Reservation) (billing.Reservation, error) {
	if r.ID == "" {
		return billing.Reservation{}, errors.New("reservation: id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[r.ID]; ok {
		return billing.Reservation{}, ErrExists
	}
	r = r.Clone()
	r.Version = 1
	s.data[r.ID] = r
	return r.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, r billing.Reservation) (billing.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data[r.ID]
	if !ok {
		return billing.Reservation{}, ErrNotFound
	}
	if current.Version != r.Version {
		return billing.Reservation{}, ErrVersionConflict
	}
	r = r.Clone()
	r.Version++
	s.data[r.ID] = r
	return r.Clone(), nil
}
