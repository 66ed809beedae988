package auth

import (
	"context"

	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// NormalizedIdentity is the provider-independent result of verifying a
// credential. It lives only for the duration of one request or login.
type NormalizedIdentity struct {
	// Provider is the credential source that vouched for this identity.
	Provider models.Provider

	// ExternalID is the provider's stable user identifier: the user_id
	// claim for local tokens, the provider subject for external ones.
	ExternalID string

	// Email is normalized (trimmed, lowercased). Always set for external
	// identities.
	Email string

	DisplayName string
	AvatarURL   string

	// Subject is the first-party token subject (username or email). Only
	// set for local identities.
	Subject string

	// Role is the role claim of a first-party token. Only set for local
	// identities; external identities get their role from the user row.
	Role string
}

// IsLocal reports whether the identity came from a first-party token.
func (n *NormalizedIdentity) IsLocal() bool {
	return n.Provider == models.ProviderLocal
}

// Verifier verifies one kind of bearer credential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*NormalizedIdentity, error)
}
