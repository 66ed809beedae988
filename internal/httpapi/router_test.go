package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ClassMarket/classmarket-core/internal/testutil"
	"github.com/ClassMarket/classmarket-core/internal/testutil/fixtures"
	"github.com/ClassMarket/classmarket-core/pkg/auth"
	"github.com/ClassMarket/classmarket-core/pkg/authz"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
	"github.com/ClassMarket/classmarket-core/pkg/provisioning"
	"github.com/ClassMarket/classmarket-core/pkg/refresh"
	"github.com/ClassMarket/classmarket-core/pkg/session"
	"github.com/ClassMarket/classmarket-core/pkg/users"
)

// apiTestMobile accepts any token starting with "mobile." and vouches for
// fixtures.MobileEmail.
type apiTestMobile struct{}

func (apiTestMobile) VerifyIDToken(_ context.Context, raw string) (*auth.MobileClaims, error) {
	if !strings.HasPrefix(raw, "mobile.") {
		return nil, errors.New("signature invalid")
	}
	return &auth.MobileClaims{UID: fixtures.MobileUID, Email: fixtures.MobileEmail, EmailVerified: true}, nil
}

// apiTestOAuth completes any login whose code is "ok".
type apiTestOAuth struct{}

func (apiTestOAuth) Name() string { return "campus" }

func (apiTestOAuth) Begin(context.Context) (string, error) {
	return "https://idp.example.org/authorize?state=s1", nil
}

func (apiTestOAuth) Complete(_ context.Context, state, code string) (*auth.NormalizedIdentity, error) {
	if state != "s1" || code != "ok" {
		return nil, cmerr.New(cmerr.CodeAuthenticationInvalid, "oauth2: unknown or expired login state")
	}
	return auth.OAuth2Verifier{}.Resolve(map[string]any{"sub": "idp-1", "email": "oauth.user@example.org"})
}

type apiTestEnv struct {
	handler http.Handler
	users   *users.MemoryStore
	reg     *prometheus.Registry
	health  map[string]HealthCheck
	logs    *bytes.Buffer
}

func apiTestSetup(t *testing.T, mutate func(*Deps)) *apiTestEnv {
	t.Helper()
	env := &apiTestEnv{
		users:  users.NewMemoryStore(),
		reg:    prometheus.NewRegistry(),
		health: map[string]HealthCheck{},
		logs:   &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(env.logs, nil))

	codec, err := auth.NewTokenCodec(auth.CodecConfig{SigningKey: auth.Secret(fixtures.SigningKey)})
	require.NoError(t, err)

	prov := provisioning.New(env.users, provisioning.WithLogger(logger))
	mobile := auth.NewMobileVerifier(apiTestMobile{}, time.Second)
	resolver := auth.NewIdentityResolver(auth.NewLocalVerifier(codec), auth.WithMobileVerifier(mobile))
	gate := auth.NewGate(resolver, prov,
		auth.WithGateLogger(logger),
		auth.WithGateMetrics(auth.NewGateMetrics(env.reg)),
	)
	table, err := authz.NewTable(nil, authz.WithLogger(logger))
	require.NoError(t, err)

	sessions := session.NewService(session.Config{BcryptCost: bcrypt.MinCost},
		env.users, codec, refresh.NewMemoryStore(), session.WithLogger(logger))

	deps := Deps{
		Sessions:    sessions,
		Users:       env.users,
		Provisioner: prov,
		Gate:        gate,
		Authz:       table,
		Mobile:      mobile,
		OAuth:       apiTestOAuth{},
		Health:      env.health,
		Registerer:  env.reg,
		Gatherer:    env.reg,
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.handler = NewRouter(deps)
	return env
}

func (env *apiTestEnv) do(t *testing.T, method, target, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *apiTestEnv) signupAndLogin(t *testing.T) session.Tokens {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"username": fixtures.Username, "email": fixtures.Email, "password": fixtures.Password,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": fixtures.Username, "password": fixtures.Password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return testutil.DecodeJSON[session.Tokens](t, rec)
}

// ---------------------------------------------------------------------------
// Password login
// ---------------------------------------------------------------------------

func TestAPI_SignupLoginMe(t *testing.T) {
	env := apiTestSetup(t, nil)
	tokens := env.signupAndLogin(t)

	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)

	rec := env.do(t, http.MethodGet, "/api/me", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := testutil.DecodeJSON[meResponse](t, rec)
	assert.Equal(t, fixtures.Username, me.User.Username)
	assert.Equal(t, []string{string(models.RoleUser)}, me.Authorities)
	assert.Equal(t, models.ProviderLocal, me.Source)
	assert.NotContains(t, rec.Body.String(), "$2a$")
}

func TestAPI_SignupRejections(t *testing.T) {
	env := apiTestSetup(t, nil)
	env.signupAndLogin(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   cmerr.Code
	}{
		{"bad email", map[string]string{"username": "bob", "email": "nope", "password": fixtures.Password}, http.StatusBadRequest, cmerr.CodeValidation},
		{"short password", map[string]string{"username": "bob", "email": "bob@x.io", "password": "short"}, http.StatusBadRequest, cmerr.CodeValidation},
		{"at sign in username", map[string]string{"username": "bob@x.io", "email": "bob@x.io", "password": fixtures.Password}, http.StatusBadRequest, cmerr.CodeValidation},
		{"unknown field", map[string]string{"username": "bob", "email": "bob@x.io", "password": fixtures.Password, "role": "ROLE_ADMIN"}, http.StatusBadRequest, cmerr.CodeValidationFormat},
		{"duplicate email", map[string]string{"username": "bob", "email": fixtures.Email, "password": fixtures.Password}, http.StatusConflict, cmerr.CodeConflictAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/auth/signup", "", tt.body)
			testutil.RequireErrorResponse(t, rec, tt.status, tt.code)
		})
	}
	assert.Equal(t, 1, env.users.Len())
}

func TestAPI_LoginRejected(t *testing.T) {
	env := apiTestSetup(t, nil)
	env.signupAndLogin(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": fixtures.Email, "password": "wrong password",
	})
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthentication)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", nil)
	testutil.RequireErrorResponse(t, rec, http.StatusBadRequest, cmerr.CodeValidation)
}

// ---------------------------------------------------------------------------
// Refresh and logout
// ---------------------------------------------------------------------------

func TestAPI_RefreshRotation(t *testing.T) {
	env := apiTestSetup(t, nil)
	first := env.signupAndLogin(t)

	rec := env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := testutil.DecodeJSON[session.Tokens](t, rec)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": first.RefreshToken})
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthenticationSessionExpired)
	body := testutil.DecodeJSON[testutil.ErrorBody](t, rec)
	assert.Equal(t, "session expired, please log in again", body.Message)

	rec = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{})
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthenticationSessionExpired)
}

func TestAPI_Logout(t *testing.T) {
	env := apiTestSetup(t, nil)
	tokens := env.signupAndLogin(t)

	rec := env.do(t, http.MethodPost, "/api/auth/logout", "", map[string]string{"refresh_token": tokens.RefreshToken})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": tokens.RefreshToken})
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthenticationSessionExpired)

	rec = env.do(t, http.MethodPost, "/api/auth/logout", "", map[string]string{"refresh_token": tokens.RefreshToken})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// ---------------------------------------------------------------------------
// External identities
// ---------------------------------------------------------------------------

func TestAPI_MobileExchange(t *testing.T) {
	env := apiTestSetup(t, nil)

	rec := env.do(t, http.MethodPost, "/api/auth/mobile", "", map[string]string{"id_token": "mobile.token.sig"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := testutil.DecodeJSON[session.Tokens](t, rec)
	assert.Equal(t, models.ProviderMobile, first.User.Provider)
	assert.Equal(t, fixtures.MobileEmail, first.User.Email)

	rec = env.do(t, http.MethodPost, "/api/auth/mobile", "", map[string]string{"id_token": "mobile.token.sig"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := testutil.DecodeJSON[session.Tokens](t, rec)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, 1, env.users.Len())

	rec = env.do(t, http.MethodPost, "/api/auth/mobile", "", map[string]string{"id_token": "forged"})
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthenticationExternal)
}

func TestAPI_MobileBearerThroughGate(t *testing.T) {
	env := apiTestSetup(t, nil)
	bearer := "mobile." + strings.Repeat("p", 600) + ".sig"

	rec := env.do(t, http.MethodGet, "/api/me", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := testutil.DecodeJSON[meResponse](t, rec)
	assert.Equal(t, fixtures.MobileEmail, me.User.Email)
	assert.Equal(t, models.ProviderMobile, me.Source)
}

func TestAPI_OAuthFlow(t *testing.T) {
	env := apiTestSetup(t, nil)

	rec := env.do(t, http.MethodGet, "/oauth2/authorize", "", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://idp.example.org/authorize?state=s1", rec.Header().Get("Location"))

	rec = env.do(t, http.MethodGet, "/login/oauth2/callback?error=access_denied", "", nil)
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthenticationExternal)

	rec = env.do(t, http.MethodGet, "/login/oauth2/callback?state=s1&code=bad", "", nil)
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthenticationInvalid)

	rec = env.do(t, http.MethodGet, "/login/oauth2/callback?state=s1&code=ok", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tokens := testutil.DecodeJSON[session.Tokens](t, rec)
	assert.Equal(t, models.ProviderOAuth2, tokens.User.Provider)
	assert.Equal(t, "oauth.user@example.org", tokens.User.Username)

	rec = env.do(t, http.MethodGet, "/api/me", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAPI_ExternalLoginDisabled(t *testing.T) {
	env := apiTestSetup(t, func(d *Deps) {
		d.Mobile = nil
		d.OAuth = nil
	})

	rec := env.do(t, http.MethodPost, "/api/auth/mobile", "", map[string]string{"id_token": "mobile.token.sig"})
	testutil.RequireErrorResponse(t, rec, http.StatusNotFound, cmerr.CodeNotFound)

	rec = env.do(t, http.MethodGet, "/oauth2/authorize", "", nil)
	testutil.RequireErrorResponse(t, rec, http.StatusNotFound, cmerr.CodeNotFound)
}

// ---------------------------------------------------------------------------
// Gate and authorization
// ---------------------------------------------------------------------------

func TestAPI_ProtectedRoutes(t *testing.T) {
	env := apiTestSetup(t, nil)
	tokens := env.signupAndLogin(t)

	tests := []struct {
		name   string
		target string
		bearer string
		status int
		code   cmerr.Code
	}{
		{"anonymous", "/api/me", "", http.StatusUnauthorized, cmerr.CodeAuthentication},
		{"garbage bearer", "/api/me", "not-a-token", http.StatusUnauthorized, cmerr.CodeAuthentication},
		{"user on admin area", "/api/admin/users", tokens.AccessToken, http.StatusForbidden, cmerr.CodeAuthorizationRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.target, tt.bearer, nil)
			testutil.RequireErrorResponse(t, rec, tt.status, tt.code)
		})
	}
}

func TestAPI_InvalidBearerOnPublicRoute(t *testing.T) {
	env := apiTestSetup(t, nil)
	env.signupAndLogin(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", "expired.or.garbage", map[string]string{
		"username": fixtures.Username, "password": fixtures.Password,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ---------------------------------------------------------------------------
// Health and metrics
// ---------------------------------------------------------------------------

func TestAPI_Healthz(t *testing.T) {
	env := apiTestSetup(t, nil)
	env.health["postgres"] = func(context.Context) error { return nil }

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, healthResponse{Status: "ok", Checks: map[string]string{"postgres": "up"}},
		testutil.DecodeJSON[healthResponse](t, rec))

	env.health["redis"] = func(context.Context) error { return cmerr.New(cmerr.CodeUnavailable, "redis: ping failed") }
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", testutil.DecodeJSON[healthResponse](t, rec).Checks["redis"])
}

func TestAPI_Metrics(t *testing.T) {
	env := apiTestSetup(t, nil)
	env.do(t, http.MethodGet, "/api/me", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `classmarket_http_requests_total{method="GET",route="unmatched",status="401"} 1`)
	assert.Contains(t, body, `classmarket_auth_gate_outcomes_total{class="none",outcome="anonymous"} 1`)
	assert.Contains(t, env.logs.String(), `"msg":"httpapi: request"`)
}

func TestRecovery(t *testing.T) {
	var logs bytes.Buffer
	h := recovery(slog.New(slog.NewJSONHandler(&logs, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	testutil.RequireErrorResponse(t, rec, http.StatusInternalServerError, cmerr.CodeInternal)
	assert.Contains(t, logs.String(), "httpapi: panic recovered")
}
