// Package oauthlogin runs the browser OAuth2 authorization code flow
// against an OpenID Connect provider and turns a completed exchange into an
// [auth.NormalizedIdentity].
//
// Begin stores a PKCE verifier under a random state and returns the
// provider's authorization URL. Complete takes the state back (once),
// exchanges the code with the verifier, verifies the ID token and hands the
// resulting attribute map to [auth.OAuth2Verifier]. Creating the user and
// opening a session is left to the caller.
package oauthlogin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/ClassMarket/classmarket-core/pkg/auth"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

const tracerName = "github.com/ClassMarket/classmarket-core/pkg/oauthlogin"

const (
	DefaultStateTTL = 10 * time.Minute
	DefaultTimeout  = 5 * time.Second
)

// Config configures the OAuth2 client.
type Config struct {
	// Name labels the provider in logs and errors.
	Name string `json:"name" yaml:"name" env:"NAME" envDefault:"oidc"`

	// IssuerURL is the OpenID Connect issuer used for discovery. An empty
	// issuer disables OAuth2 login.
	IssuerURL string `json:"issuer_url" yaml:"issuer_url" env:"ISSUER_URL"`

	ClientID     string      `json:"client_id" yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret auth.Secret `json:"client_secret" yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURL  string      `json:"redirect_url" yaml:"redirect_url" env:"REDIRECT_URL"`

	// Scopes are requested in addition to "openid".
	Scopes []string `json:"scopes" yaml:"scopes" env:"SCOPES" envDefault:"email,profile"`

	// PrincipalAttribute is passed to [auth.OAuth2Verifier].
	PrincipalAttribute string `json:"principal_attribute" yaml:"principal_attribute" env:"PRINCIPAL_ATTRIBUTE"`

	StateTTL time.Duration `json:"state_ttl" yaml:"state_ttl" env:"STATE_TTL" envDefault:"10m"`

	// Timeout bounds every call to the provider.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"5s"`
}

// Enabled reports whether an issuer and client are configured.
func (c Config) Enabled() bool {
	return c.IssuerURL != "" && c.ClientID != ""
}

// Validate checks the fields required by [New].
func (c Config) Validate() error {
	if !c.Enabled() {
		return cmerr.New(cmerr.CodeInternalConfiguration, "oauthlogin: issuer URL and client ID are required")
	}
	if c.RedirectURL == "" {
		return cmerr.New(cmerr.CodeInternalConfiguration, "oauthlogin: redirect URL is required")
	}
	if c.StateTTL < 0 || c.Timeout < 0 {
		return cmerr.New(cmerr.CodeValidationRange, "oauthlogin: durations must not be negative")
	}
	return nil
}

// Flow is a configured authorization code flow. It is safe for concurrent
// use.
type Flow struct {
	name     string
	oauth    *oauth2.Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	attrs    auth.OAuth2Verifier
	states   StateStore
	stateTTL time.Duration
	client   *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a [Flow].
type Option func(*Flow)

// WithHTTPClient replaces the client used to talk to the provider. Its
// Timeout is left as is.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Flow) {
		if c != nil {
			f.client = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

// New runs OIDC discovery against cfg.IssuerURL and returns a Flow.
func New(ctx context.Context, cfg Config, states StateStore, opts ...Option) (*Flow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if states == nil {
		return nil, cmerr.New(cmerr.CodeValidationRequired, "oauthlogin: state store is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	stateTTL := cfg.StateTTL
	if stateTTL == 0 {
		stateTTL = DefaultStateTTL
	}
	name := cfg.Name
	if name == "" {
		name = "oidc"
	}

	f := &Flow{
		name:     name,
		attrs:    auth.OAuth2Verifier{PrincipalNameAttribute: cfg.PrincipalAttribute},
		states:   states,
		stateTTL: stateTTL,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(f)
	}

	provider, err := oidc.NewProvider(f.clientContext(ctx), cfg.IssuerURL)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeUnavailableDependency, "oauthlogin: provider discovery failed").
			WithDetail("provider", name)
	}

	f.provider = provider
	f.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	f.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret.Value(),
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       append([]string{oidc.ScopeOpenID}, cfg.Scopes...),
	}
	return f, nil
}

// Name returns the configured provider label.
func (f *Flow) Name() string { return f.name }

// Begin starts a login and returns the URL to redirect the browser to.
func (f *Flow) Begin(ctx context.Context) (string, error) {
	ctx, span := f.tracer.Start(ctx, "oauthlogin.Begin")
	defer span.End()

	state, err := randomState()
	if err != nil {
		return "", record(span, cmerr.Wrap(err, cmerr.CodeInternal, "oauthlogin: failed to generate state"))
	}
	verifier := oauth2.GenerateVerifier()
	if err := f.states.Save(ctx, state, verifier, f.stateTTL); err != nil {
		return "", record(span, err)
	}
	return f.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier)), nil
}

// Complete finishes the login identified by state using the provider's
// authorization code. Provider rejections are
// [cmerr.CodeAuthenticationExternal]; provider timeouts are
// [cmerr.CodeTimeoutDependency].
func (f *Flow) Complete(ctx context.Context, state, code string) (*auth.NormalizedIdentity, error) {
	ctx, span := f.tracer.Start(ctx, "oauthlogin.Complete")
	defer span.End()

	if state == "" || code == "" {
		return nil, record(span, cmerr.New(cmerr.CodeValidationRequired, "oauth2: state and code are required"))
	}
	verifier, err := f.states.Take(ctx, state)
	if err != nil {
		return nil, record(span, err)
	}

	ctx = f.clientContext(ctx)
	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, record(span, f.providerError(ctx, "token exchange failed", err))
	}

	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, record(span, cmerr.ExternalVerificationFailed(f.name, errors.New("token response has no id_token")))
	}
	idToken, err := f.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, record(span, f.providerError(ctx, "id_token verification failed", err))
	}

	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, record(span, cmerr.ExternalVerificationFailed(f.name, err))
	}

	if _, hasEmail := claims["email"]; !hasEmail && f.provider.UserInfoEndpoint() != "" {
		f.mergeUserInfo(ctx, token, claims)
	}

	identity, err := f.attrs.Resolve(claims)
	if err != nil {
		return nil, record(span, err)
	}
	f.logger.InfoContext(ctx, "oauthlogin: identity verified",
		"provider", f.name,
		"issuer", idToken.Issuer,
		"external_id", identity.ExternalID,
	)
	return identity, nil
}

// mergeUserInfo fills claims missing from the ID token from the userinfo
// endpoint. Failures are logged; Resolve decides whether what is left is
// enough.
func (f *Flow) mergeUserInfo(ctx context.Context, token *oauth2.Token, claims map[string]any) {
	info, err := f.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		f.logger.WarnContext(ctx, "oauthlogin: userinfo request failed", "provider", f.name, "error", err)
		return
	}
	extra := map[string]any{}
	if err := info.Claims(&extra); err != nil {
		f.logger.WarnContext(ctx, "oauthlogin: userinfo response unreadable", "provider", f.name, "error", err)
		return
	}
	for k, v := range extra {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
}

func (f *Flow) providerError(ctx context.Context, msg string, err error) *cmerr.Error {
	f.logger.WarnContext(ctx, "oauthlogin: "+msg, "provider", f.name, "error", err)
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return cmerr.Wrap(err, cmerr.CodeTimeoutDependency, "identity provider timed out").
			WithDetail("provider", f.name)
	}
	return cmerr.ExternalVerificationFailed(f.name, err)
}

func (f *Flow) clientContext(ctx context.Context) context.Context {
	ctx = oidc.ClientContext(ctx, f.client)
	return context.WithValue(ctx, oauth2.HTTPClient, f.client)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func record(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
