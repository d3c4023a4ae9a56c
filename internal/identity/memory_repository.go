package identity

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.RWMutex
	byEmail map[string]Identity
}

// NewMemoryRepository builds an in-memory identity store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{byEmail: make(map[string]Identity)}
}

func (r *memoryRepository) Create(_ context.Context, ident Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[ident.Email]; exists {
		return ErrDuplicate
	}
	for _, existing := range r.byEmail {
		if existing.UserName == ident.UserName {
			return ErrDuplicate
		}
	}
	r.byEmail[ident.Email] = ident
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ident := range r.byEmail {
		if ident.ID == id {
			return redact(ident), nil
		}
	}
	return Identity{}, ErrNotFound
}

func (r *memoryRepository) FindByEmail(_ context.Context, email string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.byEmail[email]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return redact(ident), nil
}

func (r *memoryRepository) FindByIDWithSecrets(_ context.Context, id string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ident := range r.byEmail {
		if ident.ID == id {
			return ident, nil
		}
	}
	return Identity{}, ErrNotFound
}

func (r *memoryRepository) FindByEmailWithSecrets(_ context.Context, email string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.byEmail[email]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

func (r *memoryRepository) UserNameExists(_ context.Context, userName string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ident := range r.byEmail {
		if ident.UserName == userName {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) AdminExists(_ context.Context) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ident := range r.byEmail {
		if ident.Role == RoleAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) SetOTP(_ context.Context, id, code string, cooldownEnd time.Time) error {
	return r.update(id, func(ident *Identity) {
		ident.OTPCode = code
		ident.OTPCooldownEnd = cooldownEnd
	})
}

func (r *memoryRepository) ClearOTPAndMarkVerified(_ context.Context, id string) error {
	return r.update(id, func(ident *Identity) {
		ident.OTPCode = ""
		ident.OTPCooldownEnd = time.Time{}
		ident.Verified = true
	})
}

func (r *memoryRepository) UpdatePassword(_ context.Context, id, passwordHash string, changedAt time.Time) error {
	return r.update(id, func(ident *Identity) {
		ident.PasswordHash = passwordHash
		at := changedAt
		ident.PasswordChangedAt = &at
	})
}

func (r *memoryRepository) update(id string, mutate func(*Identity)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for email, ident := range r.byEmail {
		if ident.ID == id {
			mutate(&ident)
			ident.UpdatedAt = time.Now().UTC()
			r.byEmail[email] = ident
			return nil
		}
	}
	return ErrNotFound
}

func redact(ident Identity) Identity {
	ident.PasswordHash = ""
	ident.OTPCode = ""
	ident.OTPCooldownEnd = time.Time{}
	ident.PasswordChangedAt = nil
	return ident
}
