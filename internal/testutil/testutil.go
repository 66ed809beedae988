// Package testutil holds assertion helpers shared by ClassMarket tests.
//
// Helpers accept [testing.TB] and call t.Helper so failures point at the
// caller. Require* helpers stop the test; Assert* helpers record and
// continue.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// RequireErrorCode stops the test unless err is an *cmerr.Error carrying
// code.
//
//	_, err := store.Lookup(ctx, "unknown")
//	testutil.RequireErrorCode(t, err, cmerr.CodeNotFoundRefreshToken)
func RequireErrorCode(t testing.TB, err error, code cmerr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	e, ok := cmerr.AsError(err)
	require.True(t, ok, "expected *cmerr.Error, got %T: %v", err, err)
	require.Equal(t, code, e.Code,
		"error code mismatch: got %q, want %q (message: %s)", e.Code, code, e.Message)
}

// AssertErrorCode is the non-fatal form of RequireErrorCode, for table
// tests.
func AssertErrorCode(t testing.TB, err error, code cmerr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	e, ok := cmerr.AsError(err)
	if !assert.True(t, ok, "expected *cmerr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, e.Code,
		"error code mismatch: got %q, want %q (message: %s)", e.Code, code, e.Message)
}

// TempConfigFile writes content to config<ext> under t.TempDir.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write %s", path)
	return path
}

// ErrorBody is the JSON error envelope written by the HTTP API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeJSON decodes the recorder body into a T.
func DecodeJSON[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// RequireErrorResponse stops the test unless rec holds status and an
// error envelope with code.
func RequireErrorResponse(t testing.TB, rec *httptest.ResponseRecorder, status int, code cmerr.Code) {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	body := DecodeJSON[ErrorBody](t, rec)
	require.Equal(t, code.String(), body.Code)
}

// AssertJSONNotContains fails when the JSON form of v contains unexpected,
// typically a secret that must stay redacted.
func AssertJSONNotContains(t testing.TB, v any, unexpected string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "json.Marshal failed")
	assert.NotContains(t, string(data), unexpected)
}
