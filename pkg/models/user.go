// Package models defines the persistent records of the ClassMarket
// authentication core.
//
// A [User] is created either by local signup or by first-time login through
// an external identity provider, and is never hard-deleted by this core. A
// [RefreshToken] row backs one long-lived session; the opaque token itself
// is only ever held by the client, the row stores its SHA-256 hash.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names the credential source a user account was created through.
type Provider string

const (
	// ProviderLocal marks accounts created by username/password signup.
	ProviderLocal Provider = "local"

	// ProviderOAuth2 marks accounts created by an OAuth2 identity provider
	// login.
	ProviderOAuth2 Provider = "oauth2"

	// ProviderMobile marks accounts created by a mobile identity token.
	ProviderMobile Provider = "mobile"
)

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// Valid reports whether p is a recognized provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderOAuth2, ProviderMobile:
		return true
	default:
		return false
	}
}

// External reports whether accounts of this provider authenticate through
// a third party and may have no password hash.
func (p Provider) External() bool {
	return p == ProviderOAuth2 || p == ProviderMobile
}

// Role is the coarse authorization role stored on a user.
type Role string

const (
	RoleUser  Role = "ROLE_USER"
	RoleAdmin Role = "ROLE_ADMIN"
)

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User is a ClassMarket account. Email is unique across all providers.
type User struct {
	ID            int64     `json:"id" db:"id"`
	Username      string    `json:"username" db:"username"`
	Email         string    `json:"email" db:"email"`
	Role          Role      `json:"role" db:"role"`
	PasswordHash  string    `json:"-" db:"password_hash"`
	Provider      Provider  `json:"provider" db:"provider"`
	ProviderID    string    `json:"provider_id,omitempty" db:"provider_id"`
	AvatarURL     string    `json:"avatar_url,omitempty" db:"avatar_url"`
	EmailVerified bool      `json:"email_verified" db:"email_verified"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// NewExternalUser builds an unsaved account for a first-time login through
// an external provider. The account gets RoleUser, an empty password hash
// and a verified email. The username defaults to the email address, which
// is already unique.
func NewExternalUser(email string, provider Provider, providerID, avatarURL string, now time.Time) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, errors.New("models: user email must not be empty")
	}
	if !provider.External() {
		return nil, fmt.Errorf("models: provider %q is not an external provider", provider)
	}
	now = now.UTC()
	return &User{
		Username:      email,
		Email:         email,
		Role:          RoleUser,
		Provider:      provider,
		ProviderID:    providerID,
		AvatarURL:     avatarURL,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NewLocalUser builds an unsaved account for username/password signup.
func NewLocalUser(username, email, passwordHash string, now time.Time) (*User, error) {
	username = strings.TrimSpace(username)
	email = NormalizeEmail(email)
	if username == "" {
		return nil, errors.New("models: username must not be empty")
	}
	if email == "" {
		return nil, errors.New("models: user email must not be empty")
	}
	if passwordHash == "" {
		return nil, errors.New("models: local users require a password hash")
	}
	now = now.UTC()
	return &User{
		Username:     username,
		Email:        email,
		Role:         RoleUser,
		PasswordHash: passwordHash,
		Provider:     ProviderLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Validate checks the invariants a stored user must satisfy.
func (u *User) Validate() error {
	if u.Username == "" {
		return errors.New("models: user username is required")
	}
	if u.Email == "" {
		return errors.New("models: user email is required")
	}
	if !u.Role.Valid() {
		return fmt.Errorf("models: invalid user role %q", u.Role)
	}
	if !u.Provider.Valid() {
		return fmt.Errorf("models: invalid user provider %q", u.Provider)
	}
	if u.Provider == ProviderLocal && u.PasswordHash == "" {
		return errors.New("models: local user requires a password hash")
	}
	return nil
}

// Authorities returns the granted authorities derived from the role.
func (u *User) Authorities() []string {
	return []string{string(u.Role)}
}

// NormalizeEmail trims and lowercases an email address so that lookups and
// the unique constraint agree.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
