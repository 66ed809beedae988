package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/ClassMarket/classmarket-core/pkg/auth"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
	"github.com/ClassMarket/classmarket-core/pkg/session"
	"github.com/ClassMarket/classmarket-core/pkg/users"
)

// healthTimeout bounds all health checks of one /healthz request.
const healthTimeout = 2 * time.Second

type handler struct {
	sessions    *session.Service
	users       users.Store
	provisioner Provisioner
	mobile      auth.Verifier
	oauth       OAuthFlow
	health      map[string]HealthCheck
	logger      *slog.Logger
}

// --- Request DTOs ---

type signupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50,excludes=@"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// loginRequest.Username may hold a username or an email address.
type loginRequest struct {
	Username string `json:"username" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type mobileRequest struct {
	IDToken string `json:"id_token" validate:"required"`
}

// --- Response DTOs ---

type meResponse struct {
	User        *models.User    `json:"user"`
	Authorities []string        `json:"authorities"`
	Source      models.Provider `json:"source"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// --- Handlers ---

// signup handles POST /api/auth/signup.
func (h *handler) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(r, &req); err != nil {
		cmerr.WriteHTTP(w, err)
		return
	}
	u, err := h.sessions.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// login handles POST /api/auth/login.
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		cmerr.WriteHTTP(w, err)
		return
	}
	tokens, err := h.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// refresh handles POST /api/auth/refresh. A missing token is treated like
// any other unusable one.
func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		cmerr.WriteHTTP(w, err)
		return
	}
	tokens, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// logout handles POST /api/auth/logout. It succeeds for unknown tokens.
func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		cmerr.WriteHTTP(w, err)
		return
	}
	if err := h.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mobileLogin handles POST /api/auth/mobile: it exchanges a mobile
// identity token for a ClassMarket session, creating the account on first
// use.
func (h *handler) mobileLogin(w http.ResponseWriter, r *http.Request) {
	if h.mobile == nil {
		cmerr.WriteHTTP(w, cmerr.NotFound("mobile login is not enabled"))
		return
	}
	var req mobileRequest
	if err := decode(r, &req); err != nil {
		cmerr.WriteHTTP(w, err)
		return
	}
	identity, err := h.mobile.Verify(r.Context(), req.IDToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.openExternalSession(w, r, identity)
}

// oauthAuthorize handles GET /oauth2/authorize by redirecting the browser
// to the identity provider.
func (h *handler) oauthAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		cmerr.WriteHTTP(w, cmerr.NotFound("oauth2 login is not enabled"))
		return
	}
	target, err := h.oauth.Begin(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// oauthCallback handles GET /login/oauth2/callback.
func (h *handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		cmerr.WriteHTTP(w, cmerr.NotFound("oauth2 login is not enabled"))
		return
	}
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		h.fail(w, r, cmerr.ExternalVerificationFailed(h.oauth.Name(), errors.New(reason)))
		return
	}
	identity, err := h.oauth.Complete(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.openExternalSession(w, r, identity)
}

func (h *handler) openExternalSession(w http.ResponseWriter, r *http.Request, identity *auth.NormalizedIdentity) {
	u, err := h.provisioner.FindOrCreate(r.Context(), identity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tokens, err := h.sessions.IssueFor(r.Context(), u)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// me handles GET /api/me.
func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		cmerr.WriteHTTP(w, cmerr.Unauthorized("authentication required"))
		return
	}
	u, err := h.users.FindByID(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: u, Authorities: p.Authorities, Source: p.Source})
}

// healthz handles GET /healthz.
func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.health[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "httpapi: health check failed", "check", name, "error", err)
			resp.Status = "unavailable"
			resp.Checks[name] = "down"
			continue
		}
		resp.Checks[name] = "up"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// fail logs server-side failures and renders err.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !cmerr.IsClientError(err) {
		h.logger.ErrorContext(r.Context(), "httpapi: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	cmerr.WriteHTTP(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
