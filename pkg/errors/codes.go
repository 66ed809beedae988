package errors

import "strings"

// Code is a machine-readable error code of the form CATEGORY_NNN. Codes are
// stable once published; clients and alerts key on them.
type Code string

const (
	categoryValidation     = "VAL"
	categoryAuthentication = "AUTH"
	categoryAuthorization  = "AUTHZ"
	categoryNotFound       = "NF"
	categoryConflict       = "CONF"
	categoryInternal       = "INT"
	categoryUnavailable    = "UNAVAIL"
	categoryTimeout        = "TIMEOUT"
)

// Validation errors (HTTP 400).
const (
	CodeValidation         Code = "VAL_001"
	CodeValidationRequired Code = "VAL_002"
	CodeValidationFormat   Code = "VAL_003"
	CodeValidationRange    Code = "VAL_004"
)

// Authentication errors (HTTP 401).
const (
	// CodeAuthentication is a general authentication failure, such as a
	// wrong password.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired marks an expired credential. Access tokens
	// never surface it; they collapse every failure into
	// CodeAuthenticationInvalid.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid covers malformed, tampered, expired or
	// wrongly signed bearer credentials.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationMissingEmail means a verified external identity
	// carried no usable email attribute.
	CodeAuthenticationMissingEmail Code = "AUTH_004"

	// CodeAuthenticationExternal means an external identity provider
	// rejected the credential or could not be reached.
	CodeAuthenticationExternal Code = "AUTH_005"

	// CodeAuthenticationSessionExpired is the single client-facing outcome
	// of a refresh attempt with an unknown, spent or expired refresh token.
	CodeAuthenticationSessionExpired Code = "AUTH_006"
)

// Authorization errors (HTTP 403).
const (
	CodeAuthorization       Code = "AUTHZ_001"
	CodeAuthorizationDenied Code = "AUTHZ_002"
	CodeAuthorizationRole   Code = "AUTHZ_003"
)

// Not found errors (HTTP 404).
const (
	CodeNotFound             Code = "NF_001"
	CodeNotFoundUser         Code = "NF_002"
	CodeNotFoundResource     Code = "NF_003"
	CodeNotFoundRefreshToken Code = "NF_004"
)

// Conflict errors (HTTP 409).
const (
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists is returned by stores on a unique
	// constraint violation.
	CodeConflictAlreadyExists Code = "CONF_002"
)

// Internal errors (HTTP 500).
const (
	CodeInternal         Code = "INT_001"
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration marks invalid or missing configuration,
	// including an unavailable token signing key.
	CodeInternalConfiguration Code = "INT_003"
)

// Unavailable errors (HTTP 503).
const (
	CodeUnavailable           Code = "UNAVAIL_001"
	CodeUnavailableDependency Code = "UNAVAIL_002"
)

// Timeout errors (HTTP 504).
const (
	CodeTimeout           Code = "TIMEOUT_001"
	CodeTimeoutDatabase   Code = "TIMEOUT_002"
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the code as a plain string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("AUTH" for
// "AUTH_003").
func (c Code) Category() string {
	s := string(c)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return s[:i]
	}
	return s
}
