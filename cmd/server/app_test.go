package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ClassMarket/classmarket-core/internal/testutil"
	"github.com/ClassMarket/classmarket-core/internal/testutil/fixtures"
	"github.com/ClassMarket/classmarket-core/pkg/auth"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/lifecycle"
	"github.com/ClassMarket/classmarket-core/pkg/session"
)

func appTestConfig(t *testing.T) ServerConfig {
	t.Helper()
	cfg, err := loadConfig("", configTestEnv(map[string]string{
		"CLASSMARKET_STORAGE":           StorageMemory,
		"CLASSMARKET_ADDR":              "127.0.0.1:0",
		"CLASSMARKET_TOKEN_SIGNING_KEY": fixtures.SigningKey,
	}))
	require.NoError(t, err)
	cfg.Session.BcryptCost = bcrypt.MinCost
	return cfg
}

func appTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func appTestDo(t *testing.T, h http.Handler, method, target, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rdr)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Startup
// ---------------------------------------------------------------------------

func TestBuild_MissingSigningKeyIsFatal(t *testing.T) {
	cfg := appTestConfig(t)
	cfg.Token.SigningKey = ""

	a, err := build(context.Background(), cfg, appTestLogger())
	assert.Nil(t, a)
	testutil.RequireErrorCode(t, err, cmerr.CodeInternalConfiguration)
	assert.Contains(t, err.Error(), "signing key")
}

func TestBuild_ShortSigningKeyIsFatal(t *testing.T) {
	cfg := appTestConfig(t)
	cfg.Token.SigningKey = auth.Secret("short")

	_, err := build(context.Background(), cfg, appTestLogger())
	testutil.RequireErrorCode(t, err, cmerr.CodeInternalConfiguration)
}

func TestBuild_BadAuthzRules(t *testing.T) {
	cfg := appTestConfig(t)
	cfg.AuthzRules = []string{"GET /api/** sometimes"}

	_, err := build(context.Background(), cfg, appTestLogger())
	require.Error(t, err)
}

func TestBuild_OAuthNeedsRedis(t *testing.T) {
	cfg := appTestConfig(t)
	cfg.OAuth.IssuerURL = "https://idp.example.org"
	cfg.OAuth.ClientID = "classmarket-web"

	a, err := build(context.Background(), cfg, appTestLogger())
	require.NoError(t, err)

	rec := appTestDo(t, a.http.Handler, http.MethodGet, "/oauth2/authorize", "", nil)
	testutil.RequireErrorResponse(t, rec, http.StatusNotFound, cmerr.CodeNotFound)
}

func TestBuild_GRPCOptional(t *testing.T) {
	cfg := appTestConfig(t)
	a, err := build(context.Background(), cfg, appTestLogger())
	require.NoError(t, err)
	assert.Nil(t, a.grpc)

	cfg.GRPCAddr = "127.0.0.1:0"
	a, err = build(context.Background(), cfg, appTestLogger())
	require.NoError(t, err)
	assert.NotNil(t, a.grpc)
	assert.NotNil(t, a.health)
}

// ---------------------------------------------------------------------------
// Wired HTTP surface
// ---------------------------------------------------------------------------

func TestBuild_MemoryStorageEndToEnd(t *testing.T) {
	a, err := build(context.Background(), appTestConfig(t), appTestLogger())
	require.NoError(t, err)
	h := a.http.Handler

	rec := appTestDo(t, h, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"username": fixtures.Username, "email": fixtures.Email, "password": fixtures.Password,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = appTestDo(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": fixtures.Email, "password": fixtures.Password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tokens := testutil.DecodeJSON[session.Tokens](t, rec)

	rec = appTestDo(t, h, http.MethodGet, "/api/me", tokens.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = appTestDo(t, h, http.MethodGet, "/api/me", "", nil)
	testutil.RequireErrorResponse(t, rec, http.StatusUnauthorized, cmerr.CodeAuthentication)

	rec = appTestDo(t, h, http.MethodPost, "/api/auth/mobile", "", map[string]string{"id_token": "x"})
	testutil.RequireErrorResponse(t, rec, http.StatusNotFound, cmerr.CodeNotFound)

	rec = appTestDo(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "classmarket_auth_gate_outcomes_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBuild_HealthTracksSweeper(t *testing.T) {
	a, err := build(context.Background(), appTestConfig(t), appTestLogger())
	require.NoError(t, err)

	rec := appTestDo(t, a.http.Handler, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "sweeper not started yet")

	require.NoError(t, a.sweeper.Start(context.Background()))
	t.Cleanup(func() { _ = a.sweeper.Stop(context.Background()) })

	rec = appTestDo(t, a.http.Handler, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// ---------------------------------------------------------------------------
// Serve and shutdown
// ---------------------------------------------------------------------------

func TestApp_ServeStopsOnCancel(t *testing.T) {
	cfg := appTestConfig(t)
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	a, err := build(context.Background(), cfg, appTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx) }()

	require.Eventually(t, func() bool {
		return a.sweeper.State() == lifecycle.StateRunning
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.NotEqual(t, lifecycle.StateRunning, a.sweeper.State())
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("CLASSMARKET_STORAGE", "sqlite")
	assert.Equal(t, 1, run(nil))
}

func TestRun_MissingSigningKey(t *testing.T) {
	t.Setenv("CLASSMARKET_STORAGE", StorageMemory)
	t.Setenv("CLASSMARKET_TOKEN_SIGNING_KEY", "")
	assert.Equal(t, 1, run(nil))
}

func TestRun_BadFlag(t *testing.T) {
	assert.Equal(t, 2, run([]string{"-no-such-flag"}))
}
