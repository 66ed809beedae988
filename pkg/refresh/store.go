// Package refresh issues, looks up, rotates and expires ClassMarket refresh
// tokens.
//
// A refresh token is 32 random bytes, base64url encoded, handed to the
// client once. Only its SHA-256 hash is stored, so a leaked table cannot be
// replayed. Every operation is a single SQL statement and the unique index
// on token_hash is the only concurrency control: two requests consuming the
// same token race on one DELETE and exactly one of them gets the row.
//
// Expired rows are never returned as valid. They are removed in bulk by the
// [Sweeper], off the request path.
package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ClassMarket/classmarket-core/pkg/clients/postgres"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

const tracerName = "github.com/ClassMarket/classmarket-core/pkg/refresh"

// tokenBytes is the entropy of an issued refresh token.
const tokenBytes = 32

// DefaultTimeout bounds every statement the store runs.
const DefaultTimeout = 3 * time.Second

//go:embed schema.sql
var schema string

const (
	insertToken = `INSERT INTO refresh_tokens (id, token_hash, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4, $5)`

	selectByHash = `SELECT id, token_hash, user_id, expires_at, created_at FROM refresh_tokens WHERE token_hash = $1`

	consumeByHash = `DELETE FROM refresh_tokens WHERE token_hash = $1
RETURNING id, token_hash, user_id, expires_at, created_at`

	deleteByUser = `DELETE FROM refresh_tokens WHERE user_id = $1`

	deleteExpired = `DELETE FROM refresh_tokens WHERE expires_at < $1`

	countActive = `SELECT count(*) FROM refresh_tokens WHERE user_id = $1 AND expires_at > $2`
)

// HashToken returns the hex SHA-256 of an opaque refresh token, the form in
// which it is stored and looked up.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Store keeps refresh tokens in Postgres.
type Store struct {
	db      *postgres.Client
	timeout time.Duration
	now     func() time.Time
	random  func([]byte) (int, error)
	tracer  trace.Tracer
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimeout replaces DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewStore returns a Store on db.
func NewStore(db *postgres.Client, opts ...StoreOption) *Store {
	s := &Store{
		db:      db,
		timeout: DefaultTimeout,
		now:     time.Now,
		random:  rand.Read,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the refresh_tokens table and its indexes. The users
// table must exist first.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.ExecScript(ctx, schema)
}

// Issue creates a token for userID valid for ttl. The returned string is
// the only copy of the token; the row holds its hash.
func (s *Store) Issue(ctx context.Context, userID int64, ttl time.Duration) (string, *models.RefreshToken, error) {
	ctx, span := s.startSpan(ctx, "refresh.Issue", attribute.Int64("user.id", userID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw := make([]byte, tokenBytes)
	if _, err := s.random(raw); err != nil {
		return "", nil, recordErr(span, cmerr.Wrap(err, cmerr.CodeInternal, "refresh: failed to generate token"))
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	row, err := models.NewRefreshToken(userID, HashToken(token), ttl, s.now())
	if err != nil {
		return "", nil, recordErr(span, cmerr.Wrap(err, cmerr.CodeValidation, "refresh: invalid token request"))
	}

	if _, err := s.db.Exec(ctx, insertToken, row.ID, row.TokenHash, row.UserID, row.ExpiresAt, row.CreatedAt); err != nil {
		return "", nil, recordErr(span, postgres.WrapError(err, "refresh: insert failed"))
	}
	return token, row, nil
}

// Lookup returns the row for token. An unknown or expired token is
// [cmerr.CodeNotFoundRefreshToken].
func (s *Store) Lookup(ctx context.Context, token string) (*models.RefreshToken, error) {
	ctx, span := s.startSpan(ctx, "refresh.Lookup")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.scanOne(ctx, selectByHash, HashToken(token))
	if err != nil {
		return nil, recordErr(span, err)
	}
	if row.Expired(s.now()) {
		return nil, recordErr(span, cmerr.RefreshTokenNotFound().WithDetail("reason", "expired"))
	}
	return row, nil
}

// Consume deletes token and returns its row, so a token can be spent at
// most once. An unknown token is [cmerr.CodeNotFoundRefreshToken]; a token
// that had already expired is removed and reported as
// [cmerr.CodeAuthenticationSessionExpired].
func (s *Store) Consume(ctx context.Context, token string) (*models.RefreshToken, error) {
	ctx, span := s.startSpan(ctx, "refresh.Consume")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.scanOne(ctx, consumeByHash, HashToken(token))
	if err != nil {
		return nil, recordErr(span, err)
	}
	if row.Expired(s.now()) {
		return nil, recordErr(span, cmerr.SessionExpired(nil).WithDetail("user_id", row.UserID))
	}
	return row, nil
}

// RevokeAll deletes every token of userID and returns how many there were.
func (s *Store) RevokeAll(ctx context.Context, userID int64) (int64, error) {
	ctx, span := s.startSpan(ctx, "refresh.RevokeAll", attribute.Int64("user.id", userID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, deleteByUser, userID)
	if err != nil {
		return 0, recordErr(span, postgres.WrapError(err, "refresh: revoke failed"))
	}
	return tag.RowsAffected(), nil
}

// SweepExpired deletes every token that expired before now.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "refresh.SweepExpired")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, deleteExpired, now.UTC())
	if err != nil {
		return 0, recordErr(span, postgres.WrapError(err, "refresh: sweep failed"))
	}
	span.SetAttributes(attribute.Int64("refresh.swept", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// ActiveCount returns how many unexpired tokens userID holds at now.
func (s *Store) ActiveCount(ctx context.Context, userID int64, now time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "refresh.ActiveCount", attribute.Int64("user.id", userID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	if err := s.db.QueryRow(ctx, countActive, userID, now.UTC()).Scan(&n); err != nil {
		return 0, recordErr(span, postgres.WrapError(err, "refresh: count failed"))
	}
	return n, nil
}

func (s *Store) scanOne(ctx context.Context, sql, hash string) (*models.RefreshToken, error) {
	var row models.RefreshToken
	err := s.db.QueryRow(ctx, sql, hash).Scan(&row.ID, &row.TokenHash, &row.UserID, &row.ExpiresAt, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cmerr.RefreshTokenNotFound()
	}
	if err != nil {
		return nil, postgres.WrapError(err, "refresh: query failed")
	}
	return &row, nil
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
