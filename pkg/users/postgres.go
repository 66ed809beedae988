package users

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ClassMarket/classmarket-core/pkg/clients/postgres"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

//go:embed schema.sql
var schema string

const userColumns = `id, username, email, role, password_hash, provider, provider_id, avatar_url, email_verified, created_at, updated_at`

const (
	selectByEmail    = `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	selectByUsername = `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	selectByID       = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	insertUser = `INSERT INTO users (username, email, role, password_hash, provider, provider_id, avatar_url, email_verified, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`

	updateUser = `UPDATE users SET username = $2, email = $3, role = $4, password_hash = $5, provider = $6, provider_id = $7, avatar_url = $8, email_verified = $9, updated_at = $10
WHERE id = $1`
)

// PostgresStore is a [Store] on the users table.
type PostgresStore struct {
	db  *postgres.Client
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db.
func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the users table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.ExecScript(ctx, schema)
}

// FindByEmail returns the user with the normalized form of email.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	u, err := s.scanOne(ctx, selectByEmail, email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("email", email)
	}
	return u, err
}

// FindByUsername returns the user with username.
func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := s.scanOne(ctx, selectByUsername, username)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("username", username)
	}
	return u, err
}

// FindByID returns the user with id.
func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.scanOne(ctx, selectByID, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("id", id)
	}
	return u, err
}

// Save inserts or updates u after validating it. A taken email or username
// is [cmerr.CodeConflictAlreadyExists].
func (s *PostgresStore) Save(ctx context.Context, u *models.User) (*models.User, error) {
	if err := u.Validate(); err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeValidation, "users: invalid user")
	}
	saved := *u
	saved.Email = models.NormalizeEmail(saved.Email)
	saved.UpdatedAt = s.now().UTC()

	if saved.ID == 0 {
		if saved.CreatedAt.IsZero() {
			saved.CreatedAt = saved.UpdatedAt
		}
		err := s.db.QueryRow(ctx, insertUser,
			saved.Username, saved.Email, string(saved.Role), saved.PasswordHash,
			string(saved.Provider), saved.ProviderID, saved.AvatarURL, saved.EmailVerified,
			saved.CreatedAt, saved.UpdatedAt,
		).Scan(&saved.ID)
		if err != nil {
			return nil, postgres.WrapError(err, "users: insert failed")
		}
		return &saved, nil
	}

	tag, err := s.db.Exec(ctx, updateUser,
		saved.ID, saved.Username, saved.Email, string(saved.Role), saved.PasswordHash,
		string(saved.Provider), saved.ProviderID, saved.AvatarURL, saved.EmailVerified,
		saved.UpdatedAt,
	)
	if err != nil {
		return nil, postgres.WrapError(err, "users: update failed")
	}
	if tag.RowsAffected() == 0 {
		return nil, notFound("id", saved.ID)
	}
	return &saved, nil
}

// scanOne returns pgx.ErrNoRows unwrapped so callers can attach the lookup
// key to the not-found error.
func (s *PostgresStore) scanOne(ctx context.Context, sql string, arg any) (*models.User, error) {
	var (
		u        models.User
		role     string
		provider string
	)
	err := s.db.QueryRow(ctx, sql, arg).Scan(
		&u.ID, &u.Username, &u.Email, &role, &u.PasswordHash, &provider,
		&u.ProviderID, &u.AvatarURL, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, postgres.WrapError(err, "users: query failed")
	}
	u.Role = models.Role(role)
	u.Provider = models.Provider(provider)
	return &u, nil
}
