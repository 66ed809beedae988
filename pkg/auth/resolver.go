package auth

import (
	"context"
	"log/slog"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// IdentityResolver is the single entry point from a bearer string to a
// [NormalizedIdentity]. Callers never learn which verifier matched.
type IdentityResolver struct {
	classifier Classifier
	local      Verifier
	mobile     Verifier
	logger     *slog.Logger
}

// ResolverOption configures an [IdentityResolver].
type ResolverOption func(*IdentityResolver)

// WithMobileVerifier enables mobile identity tokens. Without it, tokens
// classified as mobile are only tried against the local verifier.
func WithMobileVerifier(v Verifier) ResolverOption {
	return func(r *IdentityResolver) { r.mobile = v }
}

// WithClassifier overrides the default classifier.
func WithClassifier(c Classifier) ResolverOption {
	return func(r *IdentityResolver) { r.classifier = c }
}

// WithResolverLogger sets the logger. The default is slog.Default().
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *IdentityResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewIdentityResolver builds a resolver around the first-party verifier.
func NewIdentityResolver(local Verifier, opts ...ResolverOption) *IdentityResolver {
	r := &IdentityResolver{
		classifier: NewClassifier(DefaultMobileTokenThreshold),
		local:      local,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify exposes the resolver's classifier.
func (r *IdentityResolver) Classify(bearer string) CredentialClass {
	return r.classifier.Classify(bearer)
}

// ResolveIdentity classifies bearer and verifies it.
func (r *IdentityResolver) ResolveIdentity(ctx context.Context, bearer string) (*NormalizedIdentity, error) {
	return r.Verify(ctx, r.Classify(bearer), bearer)
}

// Verify verifies bearer with the verifier for class. When a mobile
// verification fails, the local verifier gets one attempt since
// classification is only a guess and local verification is a pure
// computation. Local failures never fall through to the mobile provider.
func (r *IdentityResolver) Verify(ctx context.Context, class CredentialClass, bearer string) (*NormalizedIdentity, error) {
	if class != ClassMobileIdentity {
		return r.local.Verify(ctx, bearer)
	}
	if r.mobile == nil {
		return r.local.Verify(ctx, bearer)
	}

	identity, mobileErr := r.mobile.Verify(ctx, bearer)
	if mobileErr == nil {
		return identity, nil
	}
	if cmerr.HasCode(mobileErr, cmerr.CodeAuthenticationMissingEmail) {
		return nil, mobileErr
	}

	identity, localErr := r.local.Verify(ctx, bearer)
	if localErr == nil {
		r.logger.DebugContext(ctx, "auth: long bearer verified as first-party token",
			"token", tokenFingerprint(bearer),
		)
		return identity, nil
	}
	return nil, mobileErr
}
