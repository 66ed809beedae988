// Package fixtures holds shared test data for the ClassMarket test suite.
package fixtures

import (
	"time"

	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// SigningKey is a 32-byte HMAC key for tests. Never use it outside tests.
const SigningKey = "fixtures-only-signing-key-32byte"

// Standard account values.
const (
	Username = "alice"
	Email    = "alice@classmarket.test"
	Password = "correct horse battery staple"

	AdminUsername = "root"
	AdminEmail    = "root@classmarket.test"

	MobileUID   = "mobile-uid-0001"
	MobileEmail = "new.student@classmarket.test"
)

// Standard configuration values used in config loader tests.
const (
	EnvPrefix = "CLASSMARKET"

	ConfigYAML = `addr: ":9090"
session:
  access_ttl: 30m
`
)

// Epoch is the fixed clock value most tests start from.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// LocalUser returns a saved local account with the given ID. The password
// hash is a placeholder; tests that check passwords hash their own.
func LocalUser(id int64) *models.User {
	return &models.User{
		ID:           id,
		Username:     Username,
		Email:        Email,
		Role:         models.RoleUser,
		PasswordHash: "$2a$04$placeholderplaceholderplaceholderplaceholderpl",
		Provider:     models.ProviderLocal,
		CreatedAt:    Epoch,
		UpdatedAt:    Epoch,
	}
}

// AdminUser returns a saved local administrator.
func AdminUser(id int64) *models.User {
	u := LocalUser(id)
	u.Username = AdminUsername
	u.Email = AdminEmail
	u.Role = models.RoleAdmin
	return u
}

// MobileUser returns a saved account first seen through a mobile identity
// token.
func MobileUser(id int64) *models.User {
	return &models.User{
		ID:            id,
		Username:      MobileEmail,
		Email:         MobileEmail,
		Role:          models.RoleUser,
		Provider:      models.ProviderMobile,
		ProviderID:    MobileUID,
		EmailVerified: true,
		CreatedAt:     Epoch,
		UpdatedAt:     Epoch,
	}
}
