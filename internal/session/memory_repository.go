package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemoryRepository builds an in-memory session store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{sessions: make(map[string]Session)}
}

func (r *memoryRepository) CreateWithCap(_ context.Context, s Session, cap int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var live int
	for _, existing := range r.sessions {
		if existing.IdentityID == s.IdentityID && existing.Live(now) {
			live++
		}
	}
	if live >= cap {
		return ErrDeviceLimit
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *memoryRepository) FindByIDAndIdentity(_ context.Context, id, identityID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.IdentityID != identityID {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *memoryRepository) FindByLookupDigest(_ context.Context, digest string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.RefreshLookupDigest == digest {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (r *memoryRepository) ListActive(_ context.Context, identityID string, now time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.IdentityID == identityID && s.Live(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) CountActive(_ context.Context, identityID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, s := range r.sessions {
		if s.IdentityID == identityID && s.Live(now) {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) Revoke(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt != nil {
		return ErrAlreadyRevoked
	}
	revoked := at
	s.RevokedAt = &revoked
	r.sessions[id] = s
	return nil
}

func (r *memoryRepository) RevokeAll(_ context.Context, identityID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for id, s := range r.sessions {
		if s.IdentityID == identityID && s.RevokedAt == nil {
			revoked := at
			s.RevokedAt = &revoked
			r.sessions[id] = s
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastSeenAt = at
	r.sessions[id] = s
	return nil
}
