package verification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTokenNotFound is returned when no reset token matches the query.
var ErrTokenNotFound = errors.New("reset token not found")

// ResetToken is a single-use password-reset grant delivered by mail. The
// token id itself is the secret; it is short-lived and deleted on use.
type ResetToken struct {
	ID         string
	IdentityID string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// ResetTokenRepository persists password-reset tokens.
type ResetTokenRepository interface {
	Create(ctx context.Context, t ResetToken) error
	FindByID(ctx context.Context, id string) (ResetToken, error)
	// FindActive returns an unexpired token for the identity, if any.
	FindActive(ctx context.Context, identityID string, now time.Time) (ResetToken, error)
	Delete(ctx context.Context, id string) error
}

// PostgresResetTokenRepository implements ResetTokenRepository using PostgreSQL.
type PostgresResetTokenRepository struct {
	db *pgxpool.Pool
}

// NewPostgresResetTokenRepository builds a Postgres-backed reset token repository.
func NewPostgresResetTokenRepository(db *pgxpool.Pool) *PostgresResetTokenRepository {
	return &PostgresResetTokenRepository{db: db}
}

func (r *PostgresResetTokenRepository) Create(ctx context.Context, t ResetToken) error {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO password_reset_tokens (id, identity_id, expires_at, created_at)
        VALUES ($1, $2, $3, $4)`, id, t.IdentityID, t.ExpiresAt.UTC(), t.CreatedAt.UTC())
	return err
}

func (r *PostgresResetTokenRepository) FindByID(ctx context.Context, id string) (ResetToken, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT id, identity_id, expires_at, created_at
        FROM password_reset_tokens WHERE id = $1`, id))
}

func (r *PostgresResetTokenRepository) FindActive(ctx context.Context, identityID string, now time.Time) (ResetToken, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT id, identity_id, expires_at, created_at
        FROM password_reset_tokens WHERE identity_id = $1 AND expires_at > $2`, identityID, now.UTC()))
}

func (r *PostgresResetTokenRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM password_reset_tokens WHERE id = $1`, id)
	return err
}

func (r *PostgresResetTokenRepository) scan(row pgx.Row) (ResetToken, error) {
	var (
		id         uuid.UUID
		identityID uuid.UUID
		t          ResetToken
	)
	if err := row.Scan(&id, &identityID, &t.ExpiresAt, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResetToken{}, ErrTokenNotFound
		}
		return ResetToken{}, err
	}
	t.ID = id.String()
	t.IdentityID = identityID.String()
	return t, nil
}

type memoryResetTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]ResetToken
}

// NewMemoryResetTokenRepository builds an in-memory reset token store for development and tests.
func NewMemoryResetTokenRepository() ResetTokenRepository {
	return &memoryResetTokenRepository{tokens: make(map[string]ResetToken)}
}

func (r *memoryResetTokenRepository) Create(_ context.Context, t ResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.ID] = t
	return nil
}

func (r *memoryResetTokenRepository) FindByID(_ context.Context, id string) (ResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return ResetToken{}, ErrTokenNotFound
	}
	return t, nil
}

func (r *memoryResetTokenRepository) FindActive(_ context.Context, identityID string, now time.Time) (ResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.IdentityID == identityID && t.ExpiresAt.After(now) {
			return t, nil
		}
	}
	return ResetToken{}, ErrTokenNotFound
}

func (r *memoryResetTokenRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, id)
	return nil
}
