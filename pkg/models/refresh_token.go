package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RefreshToken is the persisted half of a refresh token. TokenHash is the
// hex SHA-256 of the opaque token handed to the client and is unique.
type RefreshToken struct {
	ID        string    `json:"id" db:"id"`
	TokenHash string    `json:"-" db:"token_hash"`
	UserID    int64     `json:"user_id" db:"user_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewRefreshToken builds an unsaved row expiring ttl after now.
func NewRefreshToken(userID int64, tokenHash string, ttl time.Duration, now time.Time) (*RefreshToken, error) {
	if userID <= 0 {
		return nil, errors.New("models: refresh token user ID must be positive")
	}
	if tokenHash == "" {
		return nil, errors.New("models: refresh token hash must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("models: refresh token ttl must be positive")
	}
	now = now.UTC()
	return &RefreshToken{
		ID:        uuid.New().String(),
		TokenHash: tokenHash,
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}, nil
}

// Expired reports whether the token is no longer valid at now. A token is
// valid strictly before ExpiresAt.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero once expired.
func (t *RefreshToken) Remaining(now time.Time) time.Duration {
	if t.Expired(now) {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}
