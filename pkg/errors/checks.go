package errors

import "errors"

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries exactly code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports a VAL_xxx error.
func IsValidation(err error) bool { return hasCategory(err, categoryValidation) }

// IsAuthentication reports an AUTH_xxx error.
func IsAuthentication(err error) bool { return hasCategory(err, categoryAuthentication) }

// IsAuthorization reports an AUTHZ_xxx error.
func IsAuthorization(err error) bool { return hasCategory(err, categoryAuthorization) }

// IsNotFound reports an NF_xxx error.
func IsNotFound(err error) bool { return hasCategory(err, categoryNotFound) }

// IsConflict reports a CONF_xxx error.
func IsConflict(err error) bool { return hasCategory(err, categoryConflict) }

// IsInternal reports an INT_xxx error.
func IsInternal(err error) bool { return hasCategory(err, categoryInternal) }

// IsUnavailable reports an UNAVAIL_xxx error.
func IsUnavailable(err error) bool { return hasCategory(err, categoryUnavailable) }

// IsTimeout reports a TIMEOUT_xxx error.
func IsTimeout(err error) bool { return hasCategory(err, categoryTimeout) }

// IsClientError reports an error caused by the caller (4xx).
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case categoryValidation, categoryAuthentication, categoryAuthorization,
		categoryNotFound, categoryConflict:
		return true
	default:
		return false
	}
}

// IsServerError reports an error caused by the server or its dependencies (5xx).
func IsServerError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case categoryInternal, categoryUnavailable, categoryTimeout:
		return true
	default:
		return false
	}
}
