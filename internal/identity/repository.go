package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no identity matches the query.
var ErrNotFound = errors.New("identity not found")

// ErrDuplicate is returned when email or username is already taken.
var ErrDuplicate = errors.New("identity already exists")

// Repository persists identities. Methods without the WithSecrets suffix
// never return the password hash, OTP state or password-changed-at.
type Repository interface {
	Create(ctx context.Context, ident Identity) error
	FindByID(ctx context.Context, id string) (Identity, error)
	FindByEmail(ctx context.Context, email string) (Identity, error)
	FindByIDWithSecrets(ctx context.Context, id string) (Identity, error)
	FindByEmailWithSecrets(ctx context.Context, email string) (Identity, error)
	UserNameExists(ctx context.Context, userName string) (bool, error)
	AdminExists(ctx context.Context) (bool, error)
	SetOTP(ctx context.Context, id, code string, cooldownEnd time.Time) error
	ClearOTPAndMarkVerified(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
}

const identityColumns = `id, role, email, user_name, is_verified, created_at, updated_at`

const identitySecretColumns = identityColumns + `, password_hash, COALESCE(otp_code, ''), COALESCE(otp_cooldown_end, 'epoch'::timestamptz), password_changed_at`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new identity, secrets included.
func (r *PostgresRepository) Create(ctx context.Context, ident Identity) error {
	id, err := uuid.Parse(ident.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO identities
        (id, role, email, user_name, password_hash, is_verified, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		id, string(ident.Role), ident.Email, ident.UserName, ident.PasswordHash, ident.Verified, ident.CreatedAt.UTC())
	return err
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Identity, error) {
	ident, err := r.scanPublic(r.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	return ident, mapErr(err)
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (Identity, error) {
	ident, err := r.scanPublic(r.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email))
	return ident, mapErr(err)
}

func (r *PostgresRepository) FindByIDWithSecrets(ctx context.Context, id string) (Identity, error) {
	ident, err := r.scanSecret(r.db.QueryRow(ctx, `SELECT `+identitySecretColumns+` FROM identities WHERE id = $1`, id))
	return ident, mapErr(err)
}

func (r *PostgresRepository) FindByEmailWithSecrets(ctx context.Context, email string) (Identity, error) {
	ident, err := r.scanSecret(r.db.QueryRow(ctx, `SELECT `+identitySecretColumns+` FROM identities WHERE email = $1`, email))
	return ident, mapErr(err)
}

func (r *PostgresRepository) UserNameExists(ctx context.Context, userName string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE user_name = $1)`, userName).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) AdminExists(ctx context.Context) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE role = $1)`, string(RoleAdmin)).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) SetOTP(ctx context.Context, id, code string, cooldownEnd time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE identities
        SET otp_code = $1, otp_cooldown_end = $2, updated_at = now() WHERE id = $3`,
		code, cooldownEnd.UTC(), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ClearOTPAndMarkVerified(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE identities
        SET otp_code = NULL, otp_cooldown_end = NULL, is_verified = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE identities
        SET password_hash = $1, password_changed_at = $2, updated_at = now() WHERE id = $3`,
		passwordHash, changedAt.UTC(), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanPublic(row rowScanner) (Identity, error) {
	var (
		id    uuid.UUID
		role  string
		ident Identity
	)
	if err := row.Scan(&id, &role, &ident.Email, &ident.UserName, &ident.Verified, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		return Identity{}, err
	}
	ident.ID = id.String()
	ident.Role = Role(role)
	return ident, nil
}

func (r *PostgresRepository) scanSecret(row rowScanner) (Identity, error) {
	var (
		id          uuid.UUID
		role        string
		cooldownEnd time.Time
		changedAt   *time.Time
		ident       Identity
	)
	if err := row.Scan(&id, &role, &ident.Email, &ident.UserName, &ident.Verified, &ident.CreatedAt, &ident.UpdatedAt,
		&ident.PasswordHash, &ident.OTPCode, &cooldownEnd, &changedAt); err != nil {
		return Identity{}, err
	}
	ident.ID = id.String()
	ident.Role = Role(role)
	ident.OTPCooldownEnd = cooldownEnd
	ident.PasswordChangedAt = changedAt
	return ident, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
