// Package errors defines the structured error type shared by every
// ClassMarket package.
//
// An *Error carries a stable machine-readable Code ("AUTH_003"), a message
// that is safe to show to clients, an optional Cause for logs, and optional
// structured Details. The code's category prefix decides the HTTP status the
// API layer renders.
//
// Create and inspect errors:
//
//	err := errors.New(errors.CodeAuthenticationInvalid, "token rejected")
//	err = errors.Wrap(dbErr, errors.CodeInternalDatabase, "failed to load user")
//	if errors.IsNotFound(err) {
//	    // ...
//	}
package errors

import (
	"fmt"
	"net/http"
)

// Error is a structured error with a code, a client-safe message, and an
// optional cause. Errors are never mutated after creation; WithDetail and
// WithDetails return copies.
type Error struct {
	// Code is the machine-readable error code, e.g. "AUTH_003".
	Code Code

	// Message is safe to return to clients. It must not contain tokens,
	// secrets or internal hostnames.
	Message string

	// Cause is the underlying error. It is meant for logs only.
	Cause error

	// Details holds additional structured context such as the failing field.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the code category onto an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case categoryValidation:
		return http.StatusBadRequest
	case categoryAuthentication:
		return http.StatusUnauthorized
	case categoryAuthorization:
		return http.StatusForbidden
	case categoryNotFound:
		return http.StatusNotFound
	case categoryConflict:
		return http.StatusConflict
	case categoryUnavailable:
		return http.StatusServiceUnavailable
	case categoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithDetails returns a copy of e with details merged into its Details.
func (e *Error) WithDetails(details map[string]any) *Error {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Details: merged}
}

// WithDetail returns a copy of e with a single detail added.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format implements fmt.Formatter. %+v prints code, message, details and
// the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fmt.Fprint(s, e.Error())
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
