package errors

import (
	"errors"
	"fmt"
)

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and message to err. Wrap(nil, ...) returns nil.
//
// Example:
//
//	if err := row.Scan(&u.ID); err != nil {
//	    return errors.Wrap(err, errors.CodeInternalDatabase, "failed to scan user")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a CodeValidation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a CodeValidation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound creates a CodeNotFound error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Unauthorized creates a CodeAuthentication error.
func Unauthorized(message string) *Error {
	return New(CodeAuthentication, message)
}

// Forbidden creates a CodeAuthorization error.
func Forbidden(message string) *Error {
	return New(CodeAuthorization, message)
}

// Conflict creates a CodeConflict error.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Internal creates a CodeInternal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// ---------------------------------------------------------------------------
// Authentication taxonomy
// ---------------------------------------------------------------------------

// InvalidCredential reports a malformed, tampered, expired or wrongly signed
// bearer token. cause is kept for logs and never rendered to clients.
func InvalidCredential(cause error) *Error {
	return &Error{Code: CodeAuthenticationInvalid, Message: "invalid bearer credential", Cause: cause}
}

// MissingEmailClaim reports a verified external identity without an email.
func MissingEmailClaim(provider string) *Error {
	return New(CodeAuthenticationMissingEmail, "identity provider did not supply an email address").
		WithDetail("provider", provider)
}

// UnverifiedEmailClaim reports an external identity whose provider has not
// verified the email address. It shares the code of [MissingEmailClaim]:
// either way there is no address an account can be bound to.
func UnverifiedEmailClaim(provider string) *Error {
	return New(CodeAuthenticationMissingEmail, "identity provider has not verified the email address").
		WithDetail("provider", provider).
		WithDetail("reason", "unverified")
}

// ExternalVerificationFailed reports a rejection or transport failure from
// an external identity provider.
func ExternalVerificationFailed(provider string, cause error) *Error {
	return (&Error{
		Code:    CodeAuthenticationExternal,
		Message: "external identity verification failed",
		Cause:   cause,
	}).WithDetail("provider", provider)
}

// RefreshTokenNotFound reports an unknown or already spent refresh token.
func RefreshTokenNotFound() *Error {
	return New(CodeNotFoundRefreshToken, "refresh token not found")
}

// SessionExpired is the only refresh failure clients ever see.
func SessionExpired(cause error) *Error {
	return &Error{
		Code:    CodeAuthenticationSessionExpired,
		Message: "session expired, please log in again",
		Cause:   cause,
	}
}

// SigningKeyUnavailable reports a missing or too short token signing key.
// Callers at startup treat it as fatal.
func SigningKeyUnavailable(reason string) *Error {
	return Newf(CodeInternalConfiguration, "token signing key unavailable: %s", reason)
}

// FromError returns err as an *Error, wrapping foreign errors as CodeInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
