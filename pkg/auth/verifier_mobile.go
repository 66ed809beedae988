package auth

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

const (
	// DefaultMobileIssuerPrefix is the issuer prefix of Firebase-style
	// mobile identity tokens; the project ID is appended.
	DefaultMobileIssuerPrefix = "https://securetoken.google.com/"

	// DefaultMobileJWKSURL serves the public keys for those tokens.
	DefaultMobileJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

	// DefaultMobileVerifyTimeout bounds a single verification call.
	DefaultMobileVerifyTimeout = 5 * time.Second
)

// MobileClaims is what a mobile identity provider vouches for.
type MobileClaims struct {
	UID           string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// MobileTokenVerifier checks a mobile identity token with its issuer.
type MobileTokenVerifier interface {
	VerifyIDToken(ctx context.Context, raw string) (*MobileClaims, error)
}

// MobileVerifier adapts a [MobileTokenVerifier] to [Verifier]. Each call is
// bounded by a timeout and never retried.
type MobileVerifier struct {
	provider MobileTokenVerifier
	timeout  time.Duration
	tracer   trace.Tracer
}

// NewMobileVerifier wraps provider. A timeout <= 0 uses
// DefaultMobileVerifyTimeout.
func NewMobileVerifier(provider MobileTokenVerifier, timeout time.Duration) *MobileVerifier {
	if timeout <= 0 {
		timeout = DefaultMobileVerifyTimeout
	}
	return &MobileVerifier{provider: provider, timeout: timeout, tracer: otel.Tracer(tracerName)}
}

// Verify asks the provider to verify raw. Rejections and transport failures
// both surface as ExternalVerificationFailed; a token without an email is
// MissingEmailClaim and one whose email the provider has not verified is
// UnverifiedEmailClaim.
func (v *MobileVerifier) Verify(ctx context.Context, raw string) (*NormalizedIdentity, error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.MobileVerifier.Verify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	claims, err := v.provider.VerifyIDToken(ctx, raw)
	if err != nil {
		wrapped := cmerr.ExternalVerificationFailed(models.ProviderMobile.String(), err)
		finishSpan(span, wrapped)
		return nil, wrapped
	}

	email := models.NormalizeEmail(claims.Email)
	if email == "" {
		err := cmerr.MissingEmailClaim(models.ProviderMobile.String())
		finishSpan(span, err)
		return nil, err
	}
	if !claims.EmailVerified {
		err := cmerr.UnverifiedEmailClaim(models.ProviderMobile.String())
		finishSpan(span, err)
		return nil, err
	}

	return &NormalizedIdentity{
		Provider:    models.ProviderMobile,
		ExternalID:  claims.UID,
		Email:       email,
		DisplayName: claims.Name,
		AvatarURL:   claims.Picture,
	}, nil
}

// ---------------------------------------------------------------------------
// OIDC-backed mobile token verification
// ---------------------------------------------------------------------------

// MobileProviderConfig configures [OIDCMobileVerifier].
type MobileProviderConfig struct {
	// ProjectID is the audience of accepted tokens. An empty project ID
	// disables mobile identity tokens.
	ProjectID string `json:"project_id" yaml:"project_id" env:"PROJECT_ID"`

	// IssuerPrefix is joined with ProjectID to form the expected issuer.
	IssuerPrefix string `json:"issuer_prefix" yaml:"issuer_prefix" env:"ISSUER_PREFIX" envDefault:"https://securetoken.google.com/"`

	// JWKSURL is where signing keys are fetched from.
	JWKSURL string `json:"jwks_url" yaml:"jwks_url" env:"JWKS_URL" envDefault:"https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"`

	// Timeout bounds each verification, key fetches included.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"5s"`
}

// Enabled reports whether mobile identity tokens are configured.
func (c MobileProviderConfig) Enabled() bool {
	return c.ProjectID != ""
}

// OIDCMobileVerifier verifies RS256 mobile identity tokens against a remote
// JWKS using go-oidc. Keys are cached by the key set and refreshed when an
// unknown key ID appears.
type OIDCMobileVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCMobileVerifier builds a verifier for cfg. ctx scopes background
// key fetches and should live as long as the verifier.
func NewOIDCMobileVerifier(ctx context.Context, cfg MobileProviderConfig) (*OIDCMobileVerifier, error) {
	if !cfg.Enabled() {
		return nil, cmerr.New(cmerr.CodeInternalConfiguration, "auth: mobile identity project ID is not configured")
	}
	prefix := cfg.IssuerPrefix
	if prefix == "" {
		prefix = DefaultMobileIssuerPrefix
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = DefaultMobileJWKSURL
	}

	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	verifier := oidc.NewVerifier(prefix+cfg.ProjectID, keySet, &oidc.Config{
		ClientID:             cfg.ProjectID,
		SupportedSigningAlgs: []string{oidc.RS256},
	})
	return &OIDCMobileVerifier{verifier: verifier}, nil
}

// VerifyIDToken checks issuer, audience, expiry and signature, then decodes
// the profile claims.
func (v *OIDCMobileVerifier) VerifyIDToken(ctx context.Context, raw string) (*MobileClaims, error) {
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, err
	}
	if token.Subject == "" {
		return nil, errors.New("identity token has no subject")
	}

	return &MobileClaims{
		UID:           token.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}
