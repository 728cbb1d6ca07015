package auth

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryProfileRepository keeps profiles in an in-process map, ideal for local development or tests.
type InMemoryProfileRepository struct {
	mu   sync.RWMutex
	data map[uuid.UUID]Profile
}

// NewInMemoryProfileRepository constructs a repository seeded with optional profiles.
func NewInMemoryProfileRepository(initial ...Profile) *InMemoryProfileRepository {
	data := make(map[uuid.UUID]Profile, len(initial))
	for _, p := range initial {
		data[p.ID] = p
	}
	return &InMemoryProfileRepository{data: data}
}

// FindProfile returns the profile for id, or nil when absent.
func (r *InMemoryProfileRepository) FindProfile(_ context.Context, id uuid.UUID) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// CreateProfile stores a new profile, refusing to overwrite an existing one.
func (r *InMemoryProfileRepository) CreateProfile(_ context.Context, profile Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[profile.ID]; ok {
		return ErrProfileExists
	}
	r.data[profile.ID] = profile
	return nil
}

// Len reports how many profiles are stored.
func (r *InMemoryProfileRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
