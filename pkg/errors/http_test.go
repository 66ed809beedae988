package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   Code
		wantMsg    string
	}{
		{"session expired", SessionExpired(fmt.Errorf("reuse detected")), http.StatusUnauthorized, CodeAuthenticationSessionExpired, "session expired, please log in again"},
		{"forbidden", Forbidden("admin only"), http.StatusForbidden, CodeAuthorization, "admin only"},
		{"plain error", fmt.Errorf("dial tcp 10.0.0.3:5432: refused"), http.StatusInternalServerError, CodeInternal, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteHTTP(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body Body
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantMsg, body.Message)
			assert.NotContains(t, rec.Body.String(), "10.0.0.3")
			assert.NotContains(t, rec.Body.String(), "reuse detected")
		})
	}
}
