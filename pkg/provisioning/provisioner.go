// Package provisioning maps verified identities onto stored ClassMarket
// users.
//
// An external identity (OAuth2 or mobile) that has never been seen creates
// a user on the fly: ROLE_USER, no password, a verified email and the
// provider's subject as ProviderID. Two first logins racing on the same
// email both succeed; the loser of the insert reads and returns the
// winner's row. Existing users are returned unmodified.
//
// A local identity comes from a token this service minted, so its user
// must already exist. Local identities are looked up and never created.
package provisioning

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ClassMarket/classmarket-core/pkg/auth"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
	"github.com/ClassMarket/classmarket-core/pkg/users"
)

const tracerName = "github.com/ClassMarket/classmarket-core/pkg/provisioning"

// DefaultTimeout bounds every store call made while provisioning.
const DefaultTimeout = 3 * time.Second

// Provisioner implements [auth.UserProvisioner] on a [users.Store].
type Provisioner struct {
	store   users.Store
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ auth.UserProvisioner = (*Provisioner)(nil)

// Option configures a [Provisioner].
type Option func(*Provisioner)

// WithTimeout replaces DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger used for provisioning events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// New returns a Provisioner backed by store.
func New(store users.Store, opts ...Option) *Provisioner {
	p := &Provisioner{
		store:   store,
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve returns the stored user for identity. Local identities are
// looked up by email when the subject contains "@" and by username
// otherwise; an unknown local user is [cmerr.CodeNotFoundUser]. External
// identities go through [Provisioner.FindOrCreate].
func (p *Provisioner) Resolve(ctx context.Context, identity *auth.NormalizedIdentity) (*models.User, error) {
	if identity == nil {
		return nil, cmerr.New(cmerr.CodeValidationRequired, "provisioning: identity is required")
	}
	if !identity.IsLocal() {
		return p.FindOrCreate(ctx, identity)
	}

	ctx, span := p.tracer.Start(ctx, "provisioning.Resolve", trace.WithAttributes(
		attribute.String("provider", identity.Provider.String()),
	))
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subject := identity.Subject
	if subject == "" {
		subject = identity.Email
	}

	var (
		u   *models.User
		err error
	)
	if strings.Contains(subject, "@") {
		u, err = p.store.FindByEmail(ctx, subject)
	} else {
		u, err = p.store.FindByUsername(ctx, subject)
	}
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// FindOrCreate returns the user owning identity's email, creating it when
// absent. A concurrent create of the same email resolves to the row that
// won the insert.
func (p *Provisioner) FindOrCreate(ctx context.Context, identity *auth.NormalizedIdentity) (*models.User, error) {
	if identity == nil {
		return nil, cmerr.New(cmerr.CodeValidationRequired, "provisioning: identity is required")
	}
	email := models.NormalizeEmail(identity.Email)
	if email == "" {
		return nil, cmerr.MissingEmailClaim(identity.Provider.String())
	}

	ctx, span := p.tracer.Start(ctx, "provisioning.FindOrCreate", trace.WithAttributes(
		attribute.String("provider", identity.Provider.String()),
	))
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u, err := p.findOrCreate(ctx, email, identity)
	finishSpan(span, err)
	return u, err
}

func (p *Provisioner) findOrCreate(ctx context.Context, email string, identity *auth.NormalizedIdentity) (*models.User, error) {
	existing, err := p.store.FindByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !cmerr.HasCode(err, cmerr.CodeNotFoundUser) {
		return nil, err
	}

	candidate, err := models.NewExternalUser(email, identity.Provider, identity.ExternalID, identity.AvatarURL, p.now())
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeValidation, "provisioning: cannot build user from identity")
	}

	created, err := p.store.Save(ctx, candidate)
	switch {
	case err == nil:
		p.logger.InfoContext(ctx, "provisioning: created user",
			"user_id", created.ID,
			"provider", created.Provider.String(),
		)
		return created, nil
	case cmerr.HasCode(err, cmerr.CodeConflictAlreadyExists):
		winner, readErr := p.store.FindByEmail(ctx, email)
		if readErr != nil {
			return nil, cmerr.Wrap(readErr, cmerr.CodeInternalDatabase, "provisioning: conflicting user vanished")
		}
		p.logger.DebugContext(ctx, "provisioning: lost create race, using existing user",
			"user_id", winner.ID,
		)
		return winner, nil
	default:
		return nil, err
	}
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
