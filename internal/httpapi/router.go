// Package httpapi exposes the ClassMarket authentication core over HTTP.
//
// Every request passes through the gate exactly once and then through the
// authorization table, before any handler runs:
//
//	recovery → request ID → observe → gate → authz → handler
//
// Handlers render failures with [cmerr.WriteHTTP], so clients only ever
// see a code and a message.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ClassMarket/classmarket-core/pkg/auth"
	"github.com/ClassMarket/classmarket-core/pkg/authz"
	"github.com/ClassMarket/classmarket-core/pkg/models"
	"github.com/ClassMarket/classmarket-core/pkg/session"
	"github.com/ClassMarket/classmarket-core/pkg/users"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Provisioner maps a verified external identity to a stored user.
// [*provisioning.Provisioner] implements it.
type Provisioner interface {
	FindOrCreate(ctx context.Context, identity *auth.NormalizedIdentity) (*models.User, error)
}

// OAuthFlow runs the browser OAuth2 login. [*oauthlogin.Flow] implements
// it.
type OAuthFlow interface {
	Name() string
	Begin(ctx context.Context) (string, error)
	Complete(ctx context.Context, state, code string) (*auth.NormalizedIdentity, error)
}

// Deps are the collaborators of the HTTP API. Mobile and OAuth are
// optional; their routes answer 404 when unset.
type Deps struct {
	Sessions    *session.Service
	Users       users.Store
	Provisioner Provisioner
	Gate        *auth.Gate
	Authz       *authz.Table

	Mobile auth.Verifier
	OAuth  OAuthFlow

	Health map[string]HealthCheck

	// Registerer receives the HTTP metrics; Gatherer backs /metrics. Both
	// default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.DefaultRegisterer
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{
		sessions:    d.Sessions,
		users:       d.Users,
		provisioner: d.Provisioner,
		mobile:      d.Mobile,
		oauth:       d.OAuth,
		health:      d.Health,
		logger:      d.Logger,
	}

	r := chi.NewRouter()
	r.Use(recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(observe(d.Logger, newHTTPMetrics(d.Registerer)))
	r.Use(d.Gate.Middleware)
	r.Use(d.Authz.Middleware)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", h.signup)
		r.Post("/login", h.login)
		r.Post("/refresh", h.refresh)
		r.Post("/logout", h.logout)
		r.Post("/mobile", h.mobileLogin)
	})
	r.Get("/oauth2/authorize", h.oauthAuthorize)
	r.Get("/login/oauth2/callback", h.oauthCallback)

	r.Get("/api/me", h.me)

	return r
}
