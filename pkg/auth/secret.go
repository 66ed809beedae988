package auth

// Secret holds sensitive configuration such as the token signing key. It
// redacts itself in String, GoString and MarshalText so it never reaches
// logs, fmt output or serialized config dumps. Only [Secret.Value] exposes
// the raw string.
type Secret string

const secretRedacted = "[REDACTED]"

// String returns a redacted placeholder.
func (s Secret) String() string { return secretRedacted }

// GoString returns a redacted placeholder for %#v.
func (s Secret) GoString() string { return secretRedacted }

// Value returns the raw secret. Call it only where the key material is
// actually consumed.
func (s Secret) Value() string { return string(s) }

// MarshalText implements encoding.TextMarshaler with the redacted
// placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }
