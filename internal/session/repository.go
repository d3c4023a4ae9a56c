package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no session matches the query.
	ErrNotFound = errors.New("session not found")
	// ErrDeviceLimit is returned by CreateWithCap when the identity already
	// holds the maximum number of live sessions.
	ErrDeviceLimit = errors.New("device limit reached")
	// ErrAlreadyRevoked is returned when revoking a session a second time.
	ErrAlreadyRevoked = errors.New("session already revoked")
)

// Repository persists sessions.
type Repository interface {
	// CreateWithCap inserts s only while the identity's live-session count is
	// below cap. The count check and the insert are a single atomic step.
	CreateWithCap(ctx context.Context, s Session, cap int, now time.Time) error
	FindByID(ctx context.Context, id string) (Session, error)
	FindByIDAndIdentity(ctx context.Context, id, identityID string) (Session, error)
	FindByLookupDigest(ctx context.Context, digest string) (Session, error)
	ListActive(ctx context.Context, identityID string, now time.Time) ([]Session, error)
	CountActive(ctx context.Context, identityID string, now time.Time) (int64, error)
	// Revoke marks the session revoked. ErrAlreadyRevoked when it already is.
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeAll revokes every live session of the identity and returns the count.
	RevokeAll(ctx context.Context, identityID string, at time.Time) (int64, error)
	// Touch updates last-seen-at. Best effort; callers log and move on.
	Touch(ctx context.Context, id string, at time.Time) error
}

const sessionColumns = `id, identity_id, refresh_lookup_digest, refresh_verification_hash,
    user_agent, ip, revoked_at, expires_at, last_seen_at, created_at`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed session repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateWithCap uses a conditional insert guarded by the live-session count so
// concurrent logins racing past the cap converge on at most cap admissions.
func (r *PostgresRepository) CreateWithCap(ctx context.Context, s Session, cap int, now time.Time) error {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return err
	}
	identityID, err := uuid.Parse(s.IdentityID)
	if err != nil {
		return err
	}
	cmd, err := r.db.Exec(ctx, `INSERT INTO sessions
        (id, identity_id, refresh_lookup_digest, refresh_verification_hash, user_agent, ip, expires_at, last_seen_at, created_at)
        SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
        WHERE (SELECT COUNT(*) FROM sessions
               WHERE identity_id = $2 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $10)) < $11`,
		id, identityID, s.RefreshLookupDigest, s.RefreshVerificationHash,
		s.UserAgent, s.IP, s.ExpiresAt.UTC(), s.LastSeenAt.UTC(), s.CreatedAt.UTC(), now.UTC(), cap)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeviceLimit
	}
	return nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Session, error) {
	s, err := scan(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	return s, mapErr(err)
}

func (r *PostgresRepository) FindByIDAndIdentity(ctx context.Context, id, identityID string) (Session, error) {
	s, err := scan(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND identity_id = $2`, id, identityID))
	return s, mapErr(err)
}

func (r *PostgresRepository) FindByLookupDigest(ctx context.Context, digest string) (Session, error) {
	s, err := scan(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_lookup_digest = $1`, digest))
	return s, mapErr(err)
}

func (r *PostgresRepository) ListActive(ctx context.Context, identityID string, now time.Time) ([]Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
        WHERE identity_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
        ORDER BY created_at DESC`, identityID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresRepository) CountActive(ctx context.Context, identityID string, now time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM sessions
        WHERE identity_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`,
		identityID, now.UTC()).Scan(&count)
	return count, err
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, at.UTC(), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		// distinguish unknown id from a second revoke
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrAlreadyRevoked
		}
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) RevokeAll(ctx context.Context, identityID string, at time.Time) (int64, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE sessions SET revoked_at = $1 WHERE identity_id = $2 AND revoked_at IS NULL`, at.UTC(), identityID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE sessions SET last_seen_at = $1 WHERE id = $2`, at.UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (Session, error) {
	var (
		id         uuid.UUID
		identityID uuid.UUID
		s          Session
	)
	if err := row.Scan(&id, &identityID, &s.RefreshLookupDigest, &s.RefreshVerificationHash,
		&s.UserAgent, &s.IP, &s.RevokedAt, &s.ExpiresAt, &s.LastSeenAt, &s.CreatedAt); err != nil {
		return Session{}, err
	}
	s.ID = id.String()
	s.IdentityID = identityID.String()
	return s, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
