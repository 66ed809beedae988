package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// HeaderAuthorization carries the bearer credential.
const HeaderAuthorization = "Authorization"

// ExtractBearerToken returns the credential of an "Authorization: Bearer
// <token>" header value. The scheme is case-insensitive; any other scheme
// or an empty token yields ok == false.
func ExtractBearerToken(header string) (token string, ok bool) {
	scheme, rest, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(rest)
	return token, token != ""
}

// IdentitySource classifies and verifies bearer credentials.
// [IdentityResolver] is the production implementation.
type IdentitySource interface {
	Classify(bearer string) CredentialClass
	Verify(ctx context.Context, class CredentialClass, bearer string) (*NormalizedIdentity, error)
}

// UserProvisioner maps a verified identity onto a stored user, creating
// the user on first external login.
type UserProvisioner interface {
	Resolve(ctx context.Context, identity *NormalizedIdentity) (*models.User, error)
}

// Gate authenticates every inbound request exactly once. It never rejects a
// request: failures leave the request anonymous and are logged, and the
// authorization layer decides what anonymous callers may reach.
type Gate struct {
	identities IdentitySource
	users      UserProvisioner
	installer  *Installer
	public     *Allowlist
	logger     *slog.Logger
	metrics    *GateMetrics
	tracer     trace.Tracer
}

// GateOption configures a [Gate].
type GateOption func(*Gate)

// WithPublicRoutes replaces DefaultPublicRoutes.
func WithPublicRoutes(a *Allowlist) GateOption {
	return func(g *Gate) {
		if a != nil {
			g.public = a
		}
	}
}

// WithGateLogger sets the logger. The default is slog.Default().
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateMetrics enables outcome counters.
func WithGateMetrics(m *GateMetrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithInstaller overrides the principal installer, mainly to fix its clock.
func WithInstaller(i *Installer) GateOption {
	return func(g *Gate) {
		if i != nil {
			g.installer = i
		}
	}
}

// NewGate builds a gate from its collaborators.
func NewGate(identities IdentitySource, users UserProvisioner, opts ...GateOption) *Gate {
	g := &Gate{
		identities: identities,
		users:      users,
		installer:  NewInstaller(nil),
		public:     NewAllowlist(nil),
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware returns the gate as net/http middleware. Public routes pass
// through untouched; everything else is authenticated, and next is always
// called.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Use(gate.Middleware)
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.public.Match(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(g.bypass(r.Context())))
			return
		}
		ctx := g.Authenticate(r.Context(), r.Header.Get(HeaderAuthorization), RequestMetaFromHTTP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IsPublic reports whether route skips authentication.
func (g *Gate) IsPublic(route string) bool {
	return g.public.Match(route)
}

func (g *Gate) bypass(ctx context.Context) context.Context {
	run := newGateRun()
	g.step(ctx, run, GateBypassed)
	g.metrics.observe(GateBypassed, "none")
	return contextWithGateOutcome(ctx, GateBypassed)
}

// Authenticate runs the credential pipeline for one request and returns
// the context the handler should see: with a principal when every step
// succeeded, unchanged (apart from the recorded outcome) otherwise.
func (g *Gate) Authenticate(ctx context.Context, authorization string, meta RequestMeta) context.Context {
	ctx, span := startSpan(ctx, g.tracer, "auth.Gate.Authenticate")
	defer span.End()

	run := newGateRun()
	class := "none"
	finish := func(out context.Context) context.Context {
		state := run.current()
		span.SetAttributes(
			attribute.String("auth.gate.outcome", state.String()),
			attribute.String("auth.credential_class", class),
		)
		g.metrics.observe(state, class)
		return contextWithGateOutcome(out, state)
	}

	bearer, ok := ExtractBearerToken(authorization)
	if !ok {
		g.step(ctx, run, GateAnonymous)
		return finish(ctx)
	}

	cc := g.identities.Classify(bearer)
	class = cc.String()
	g.step(ctx, run, GateClassified)

	identity, err := g.identities.Verify(ctx, cc, bearer)
	if err != nil {
		g.reject(ctx, run, "auth: bearer verification failed", err, bearer, class)
		return finish(ctx)
	}
	g.step(ctx, run, GateVerified)

	user, err := g.users.Resolve(ctx, identity)
	if err != nil {
		g.reject(ctx, run, "auth: user provisioning failed", err, bearer, class)
		return finish(ctx)
	}
	g.step(ctx, run, GateProvisioned)

	installed, principal, err := g.installer.Install(ctx, user, identity.Provider, meta)
	if err != nil {
		g.reject(ctx, run, "auth: principal install failed", err, bearer, class)
		return finish(ctx)
	}
	g.step(ctx, run, GateContextInstalled)
	span.SetAttributes(attribute.Int64("auth.user_id", principal.UserID))

	return finish(installed)
}

func (g *Gate) step(ctx context.Context, run *gateRun, to GateState) {
	if err := run.advance(to); err != nil {
		g.logger.ErrorContext(ctx, "auth: gate state machine violated",
			"error", err,
			"trail", run.trail(),
		)
	}
}

// reject moves the request to Anonymous and logs why. Client-side
// credential problems log at info; provider and database failures at warn.
func (g *Gate) reject(ctx context.Context, run *gateRun, msg string, err error, bearer, class string) {
	g.step(ctx, run, GateAnonymous)

	level := slog.LevelInfo
	if cmerr.IsServerError(err) || cmerr.HasCode(err, cmerr.CodeAuthenticationExternal) {
		level = slog.LevelWarn
	}
	attrs := []any{
		"error", err,
		"code", cmerr.GetCode(err).String(),
		"class", class,
		"token", tokenFingerprint(bearer),
	}
	if traceID, ok := TraceIDFromContext(ctx); ok {
		attrs = append(attrs, "trace_id", traceID)
	}
	g.logger.Log(ctx, level, msg, attrs...)
}
