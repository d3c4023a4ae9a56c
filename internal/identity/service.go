package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service manages credential records: creation, password hashing and the
// unique-username generator.
type Service struct {
	repo Repository
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Repo exposes the underlying repository for collaborators wired in routes.
func (s *Service) Repo() Repository {
	return s.repo
}

// HashPassword derives the stored one-way hash for a plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Create hashes the password and persists a new identity record.
func (s *Service) Create(ctx context.Context, role Role, email, fullName, password string, verified bool) (Identity, error) {
	if !ValidRole(role) {
		return Identity{}, fmt.Errorf("unknown role %q", role)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Identity{}, err
	}
	userName, err := s.GenerateUserName(ctx, fullName)
	if err != nil {
		return Identity{}, err
	}

	ident := Identity{
		ID:           uuid.New().String(),
		Role:         role,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		UserName:     userName,
		PasswordHash: hash,
		Verified:     verified,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, ident); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// GenerateUserName builds a globally unique username from the full name,
// appending a numeric suffix until the candidate is free. An empty name falls
// back to a random handle.
func (s *Service) GenerateUserName(ctx context.Context, fullName string) (string, error) {
	base := slugify(fullName)

	candidate := base
	if candidate == "" {
		var err error
		candidate, err = randomHandle(8)
		if err != nil {
			return "", err
		}
	}

	for counter := 1; ; counter++ {
		taken, err := s.repo.UserNameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		if base != "" {
			candidate = fmt.Sprintf("%s%d", base, counter)
			continue
		}
		candidate, err = randomHandle(8)
		if err != nil {
			return "", err
		}
	}
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

const handleAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomHandle(length int) (string, error) {
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(handleAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate handle: %w", err)
		}
		out[i] = handleAlphabet[n.Int64()]
	}
	return string(out), nil
}
