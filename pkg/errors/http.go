package errors

import (
	"encoding/json"
	"net/http"
)

// Body is the JSON error envelope written to HTTP clients. Cause and
// Details are never included.
type Body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// WriteHTTP writes err as a JSON envelope with the status derived from its
// code. Errors without a code are rendered as a generic internal error so
// that nothing from the cause reaches the client.
func WriteHTTP(w http.ResponseWriter, err error) {
	e, ok := AsError(err)
	if !ok {
		e = New(CodeInternal, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(Body{Code: e.Code, Message: e.Message})
}
