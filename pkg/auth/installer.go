package auth

import (
	"context"
	"net"
	"net/http"
	"time"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// RequestMeta is the request detail recorded on the principal.
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
}

// RequestMetaFromHTTP extracts the client address (without port) and user
// agent from r.
func RequestMetaFromHTTP(r *http.Request) RequestMeta {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return RequestMeta{RemoteAddr: addr, UserAgent: r.UserAgent()}
}

// Installer builds the request principal from a provisioned user.
type Installer struct {
	now func() time.Time
}

// NewInstaller returns an Installer. A nil now uses time.Now.
func NewInstaller(now func() time.Time) *Installer {
	if now == nil {
		now = time.Now
	}
	return &Installer{now: now}
}

// Install attaches a principal for user to ctx. It refuses a context that
// already carries a principal so that each request is installed at most
// once.
func (i *Installer) Install(ctx context.Context, user *models.User, source models.Provider, meta RequestMeta) (context.Context, *Principal, error) {
	if user == nil {
		return ctx, nil, cmerr.New(cmerr.CodeValidationRequired, "auth: cannot install a principal without a user")
	}
	if _, exists := PrincipalFromContext(ctx); exists {
		return ctx, nil, cmerr.New(cmerr.CodeConflict, "auth: principal already installed for this request")
	}

	p := &Principal{
		UserID:          user.ID,
		Username:        user.Username,
		Email:           user.Email,
		Role:            user.Role,
		Authorities:     user.Authorities(),
		Source:          source,
		RemoteAddr:      meta.RemoteAddr,
		UserAgent:       meta.UserAgent,
		AuthenticatedAt: i.now().UTC(),
	}
	return ContextWithPrincipal(ctx, p), p, nil
}
