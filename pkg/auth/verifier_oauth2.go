package auth

import (
	"fmt"
	"strings"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// DefaultPrincipalNameAttribute is the attribute holding the provider's
// principal name, consulted last when looking for an email.
const DefaultPrincipalNameAttribute = "preferred_username"

// OAuth2Verifier normalizes the attribute map produced by a completed OAuth2
// exchange. The exchange itself has already authenticated the user; this
// step only extracts a usable identity.
type OAuth2Verifier struct {
	// PrincipalNameAttribute overrides DefaultPrincipalNameAttribute.
	PrincipalNameAttribute string
}

// Resolve picks the email from "mail", then "email", then the principal
// name attribute (only when it is an address). It fails with
// MissingEmailClaim when none yields an address, and with
// UnverifiedEmailClaim when the provider sent email_verified=false.
// Providers that omit email_verified are trusted.
func (v OAuth2Verifier) Resolve(attrs map[string]any) (*NormalizedIdentity, error) {
	nameKey := v.PrincipalNameAttribute
	if nameKey == "" {
		nameKey = DefaultPrincipalNameAttribute
	}

	var email string
	for _, key := range []string{"mail", "email", nameKey} {
		if candidate := stringAttr(attrs, key); looksLikeEmail(candidate) {
			email = models.NormalizeEmail(candidate)
			break
		}
	}
	if email == "" {
		return nil, cmerr.MissingEmailClaim(models.ProviderOAuth2.String())
	}
	if explicitlyFalse(attrs["email_verified"]) {
		return nil, cmerr.UnverifiedEmailClaim(models.ProviderOAuth2.String())
	}

	return &NormalizedIdentity{
		Provider:    models.ProviderOAuth2,
		ExternalID:  firstAttr(attrs, "sub", "id", "oid"),
		Email:       email,
		DisplayName: firstAttr(attrs, "name", "displayName", "login"),
		AvatarURL:   firstAttr(attrs, "picture", "avatar_url"),
	}, nil
}

func stringAttr(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case float64:
		// JSON numbers, e.g. GitHub's numeric "id".
		return strings.TrimSpace(fmt.Sprintf("%.0f", v))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func firstAttr(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringAttr(attrs, k); v != "" {
			return v
		}
	}
	return ""
}

func looksLikeEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1
}

// explicitlyFalse reports a boolean claim set to false. Some providers send
// it as a string.
func explicitlyFalse(v any) bool {
	switch b := v.(type) {
	case bool:
		return !b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "false")
	default:
		return false
	}
}
