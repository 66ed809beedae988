package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

const (
	// MinSigningKeyLength is the minimum HMAC key size in bytes for HS256.
	MinSigningKeyLength = 32

	// maxTokenSize bounds the bearer strings the codec will parse.
	maxTokenSize = 8192
)

// CodecConfig configures a [TokenCodec]. The signing key is always passed in
// explicitly; there is no package-level key.
type CodecConfig struct {
	// SigningKey is the HS256 secret. It must be at least
	// MinSigningKeyLength bytes.
	SigningKey Secret `json:"signing_key" yaml:"signing_key" env:"SIGNING_KEY"`

	// ClockSkew tolerates small clock differences when checking exp and
	// iat. Zero means tokens are rejected the moment they expire.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"CLOCK_SKEW" envDefault:"0s"`

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time `json:"-" yaml:"-"`
}

// Validate reports a missing or short signing key as
// [cmerr.CodeInternalConfiguration].
func (c *CodecConfig) Validate() error {
	switch n := len(c.SigningKey.Value()); {
	case n == 0:
		return cmerr.SigningKeyUnavailable("no signing key configured")
	case n < MinSigningKeyLength:
		return cmerr.SigningKeyUnavailable(
			fmt.Sprintf("signing key must be at least %d bytes, got %d", MinSigningKeyLength, n))
	}
	if c.ClockSkew < 0 {
		return cmerr.New(cmerr.CodeInternalConfiguration, "auth: clock skew must not be negative")
	}
	return nil
}

// AccessClaims is the payload of a first-party access token:
// {sub, user_id, role, iat, exp}.
type AccessClaims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenCodec mints and verifies first-party HS256 access tokens. Its key is
// fixed at construction, so a TokenCodec is safe for concurrent use.
type TokenCodec struct {
	key  []byte
	skew time.Duration
	now  func() time.Time
}

// NewTokenCodec validates cfg and returns a codec. A missing key yields a
// SigningKeyUnavailable error, which servers treat as fatal at startup.
func NewTokenCodec(cfg CodecConfig) (*TokenCodec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{
		key:  []byte(cfg.SigningKey.Value()),
		skew: cfg.ClockSkew,
		now:  now,
	}, nil
}

// Mint signs an access token for subject (username or email) that expires
// ttl from now.
func (c *TokenCodec) Mint(subject string, userID int64, role string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", cmerr.New(cmerr.CodeValidationRequired, "auth: token subject must not be empty")
	}
	if ttl <= 0 {
		return "", cmerr.New(cmerr.CodeValidationRange, "auth: token ttl must be positive")
	}

	now := c.now()
	claims := AccessClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", cmerr.Wrap(err, cmerr.CodeInternal, "auth: failed to sign access token")
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry and returns the claims.
// Every failure is the same [cmerr.CodeAuthenticationInvalid] error; the
// precise jwt reason is only available through Unwrap, for logging.
func (c *TokenCodec) Verify(token string) (*AccessClaims, error) {
	if token == "" {
		return nil, cmerr.InvalidCredential(errors.New("empty token"))
	}
	if len(token) > maxTokenSize {
		return nil, cmerr.InvalidCredential(errors.New("token exceeds maximum size"))
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.skew),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, cmerr.InvalidCredential(err)
	}
	if !parsed.Valid {
		return nil, cmerr.InvalidCredential(errors.New("token not valid"))
	}
	if claims.Subject == "" {
		return nil, cmerr.InvalidCredential(errors.New("token has no subject"))
	}
	return claims, nil
}

// Subject returns the subject of a valid token. It fails exactly when
// Verify fails.
func (c *TokenCodec) Subject(token string) (string, error) {
	claims, err := c.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (c *TokenCodec) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return c.key, nil
}
