package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// resolverTestVerifier counts calls and returns a fixed result.
type resolverTestVerifier struct {
	identity *NormalizedIdentity
	err      error
	calls    int
}

func (v *resolverTestVerifier) Verify(context.Context, string) (*NormalizedIdentity, error) {
	v.calls++
	return v.identity, v.err
}

func TestIdentityResolver_LocalClassNeverCallsMobile(t *testing.T) {
	t.Parallel()

	local := &resolverTestVerifier{err: cmerr.InvalidCredential(errors.New("bad sig"))}
	mobile := &resolverTestVerifier{identity: &NormalizedIdentity{Provider: models.ProviderMobile}}
	r := NewIdentityResolver(local, WithMobileVerifier(mobile))

	_, err := r.ResolveIdentity(context.Background(), "a.b.c")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeAuthenticationInvalid))
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, 0, mobile.calls)
}

func TestIdentityResolver_MobileSuccess(t *testing.T) {
	t.Parallel()

	local := &resolverTestVerifier{}
	mobile := &resolverTestVerifier{identity: &NormalizedIdentity{Provider: models.ProviderMobile, Email: "m@x.io"}}
	r := NewIdentityResolver(local, WithMobileVerifier(mobile))

	identity, err := r.ResolveIdentity(context.Background(), classifierTestToken(600))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderMobile, identity.Provider)
	assert.Equal(t, 0, local.calls)
}

func TestIdentityResolver_MobileFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()

	local := &resolverTestVerifier{identity: &NormalizedIdentity{Provider: models.ProviderLocal, Subject: "bob"}}
	mobile := &resolverTestVerifier{err: cmerr.ExternalVerificationFailed("mobile", errors.New("unknown kid"))}
	r := NewIdentityResolver(local, WithMobileVerifier(mobile))

	identity, err := r.Verify(context.Background(), ClassMobileIdentity, classifierTestToken(600))
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.Subject)
	assert.Equal(t, 1, mobile.calls)
	assert.Equal(t, 1, local.calls)
}

func TestIdentityResolver_BothFailReportsMobileError(t *testing.T) {
	t.Parallel()

	local := &resolverTestVerifier{err: cmerr.InvalidCredential(errors.New("bad sig"))}
	mobile := &resolverTestVerifier{err: cmerr.ExternalVerificationFailed("mobile", errors.New("expired"))}
	r := NewIdentityResolver(local, WithMobileVerifier(mobile))

	_, err := r.Verify(context.Background(), ClassMobileIdentity, "x")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeAuthenticationExternal))
}

func TestIdentityResolver_MissingEmailSkipsFallback(t *testing.T) {
	t.Parallel()

	local := &resolverTestVerifier{identity: &NormalizedIdentity{Provider: models.ProviderLocal}}
	mobile := &resolverTestVerifier{err: cmerr.MissingEmailClaim("mobile")}
	r := NewIdentityResolver(local, WithMobileVerifier(mobile))

	_, err := r.Verify(context.Background(), ClassMobileIdentity, "x")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeAuthenticationMissingEmail))
	assert.Equal(t, 0, local.calls)
}

func TestIdentityResolver_NoMobileVerifier(t *testing.T) {
	t.Parallel()

	codec := codecTestNewCodec(t, nil)
	r := NewIdentityResolver(NewLocalVerifier(codec), WithClassifier(NewClassifier(10)))

	token, err := codec.Mint("carol", 9, "ROLE_USER", time.Hour)
	require.NoError(t, err)
	require.Equal(t, ClassMobileIdentity, r.Classify(token))

	identity, err := r.ResolveIdentity(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderLocal, identity.Provider)
	assert.Equal(t, "carol", identity.Subject)
}
