package auth

import (
	"slices"
	"time"

	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// Principal is the authenticated caller of one request. It is built once
// by the [Installer] and never modified afterwards.
type Principal struct {
	UserID      int64
	Username    string
	Email       string
	Role        models.Role
	Authorities []string

	// Source is the credential kind that authenticated the request:
	// models.ProviderLocal for first-party tokens, models.ProviderMobile for
	// mobile identity tokens. It is fixed at verification time.
	Source models.Provider

	RemoteAddr      string
	UserAgent       string
	AuthenticatedAt time.Time
}

// HasAuthority reports whether the principal was granted authority.
func (p *Principal) HasAuthority(authority string) bool {
	return slices.Contains(p.Authorities, authority)
}

// HasAnyRole reports whether the principal holds one of roles.
func (p *Principal) HasAnyRole(roles ...models.Role) bool {
	return slices.Contains(roles, p.Role)
}
