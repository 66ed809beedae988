// Package session issues and rotates ClassMarket session artifacts.
//
// A session is a short-lived HS256 access token plus an opaque refresh
// token. Every login checks how many unexpired refresh tokens the user
// already holds; at the cap, all of them are revoked before the new one is
// issued.
//
// Refresh rotates: the presented token is consumed in one DELETE and a new
// pair is issued. The hash of the consumed token goes into a reuse ledger
// for the rest of its lifetime. Presenting it again means it was copied,
// so every token of its owner is revoked. All refresh failures reach the
// client as the same "session expired" error.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/ClassMarket/classmarket-core/pkg/auth"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
	"github.com/ClassMarket/classmarket-core/pkg/refresh"
	"github.com/ClassMarket/classmarket-core/pkg/users"
)

const tracerName = "github.com/ClassMarket/classmarket-core/pkg/session"

const (
	DefaultAccessTTL   = 15 * time.Minute
	DefaultRefreshTTL  = 7 * 24 * time.Hour
	DefaultMaxSessions = 5
	DefaultBcryptCost  = bcrypt.DefaultCost
	MinPasswordLength  = 8

	// DefaultStoreTimeout bounds each user and refresh token store call.
	DefaultStoreTimeout = 3 * time.Second
)

// Config holds session lifetimes and limits.
type Config struct {
	AccessTTL   time.Duration `json:"access_ttl" yaml:"access_ttl" env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL  time.Duration `json:"refresh_ttl" yaml:"refresh_ttl" env:"REFRESH_TTL" envDefault:"168h"`
	MaxSessions int           `json:"max_sessions" yaml:"max_sessions" env:"MAX_SESSIONS" envDefault:"5"`
	BcryptCost  int           `json:"bcrypt_cost" yaml:"bcrypt_cost" env:"BCRYPT_COST"`
}

func (c *Config) applyDefaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = DefaultBcryptCost
	}
}

// TokenMinter mints access tokens. [*auth.TokenCodec] implements it.
type TokenMinter interface {
	Mint(subject string, userID int64, role string, ttl time.Duration) (string, error)
}

// RefreshStore is the refresh token persistence used by the service.
// [*refresh.Store] implements it.
type RefreshStore interface {
	Issue(ctx context.Context, userID int64, ttl time.Duration) (string, *models.RefreshToken, error)
	Lookup(ctx context.Context, token string) (*models.RefreshToken, error)
	Consume(ctx context.Context, token string) (*models.RefreshToken, error)
	RevokeAll(ctx context.Context, userID int64) (int64, error)
	ActiveCount(ctx context.Context, userID int64, now time.Time) (int64, error)
}

// ReuseLedger records rotated refresh tokens. [*refresh.ReuseLedger]
// implements it.
type ReuseLedger interface {
	MarkSpent(ctx context.Context, hash string, userID int64, ttl time.Duration) error
	SpentBy(ctx context.Context, hash string) (int64, bool, error)
}

// Tokens is the session handed to a client after login or refresh.
type Tokens struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *models.User `json:"user"`
}

// Service implements signup, login, refresh and logout.
type Service struct {
	cfg     Config
	users   users.Store
	minter  TokenMinter
	refresh RefreshStore
	ledger  ReuseLedger
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer

	// compare checks a password against a bcrypt hash. Logins that fail
	// before a real hash is found compare against decoyHash instead, so
	// every rejected login costs one bcrypt comparison.
	compare   func(hash, password []byte) error
	decoyOnce sync.Once
	decoyHash []byte
}

// Option configures a [Service].
type Option func(*Service)

// WithReuseLedger enables refresh token reuse detection.
func WithReuseLedger(l ReuseLedger) Option {
	return func(s *Service) { s.ledger = l }
}

// WithTimeout replaces DefaultStoreTimeout. Non-positive values are
// ignored.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService returns a Service. Zero Config fields take their defaults.
func NewService(cfg Config, store users.Store, minter TokenMinter, rt RefreshStore, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:     cfg,
		users:   store,
		minter:  minter,
		refresh: rt,
		timeout: DefaultStoreTimeout,
		compare: bcrypt.CompareHashAndPassword,
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup creates a local account. A taken username or email is
// [cmerr.CodeConflictAlreadyExists].
func (s *Service) Signup(ctx context.Context, username, email, password string) (*models.User, error) {
	ctx, span := s.tracer.Start(ctx, "session.Signup")
	defer span.End()

	if len(password) < MinPasswordLength {
		return nil, record(span, cmerr.Validationf("password must be at least %d characters", MinPasswordLength).
			WithDetail("field", "password"))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, record(span, cmerr.Wrap(err, cmerr.CodeValidation, "password cannot be hashed"))
	}
	u, err := models.NewLocalUser(username, email, string(hash), s.now())
	if err != nil {
		return nil, record(span, cmerr.Wrap(err, cmerr.CodeValidation, "invalid signup"))
	}

	storeCtx, cancel := s.storeContext(ctx)
	saved, err := s.users.Save(storeCtx, u)
	cancel()
	if err != nil {
		if cmerr.HasCode(err, cmerr.CodeConflictAlreadyExists) {
			return nil, record(span, cmerr.New(cmerr.CodeConflictAlreadyExists, "username or email is already taken"))
		}
		return nil, record(span, err)
	}
	s.logger.InfoContext(ctx, "session: user signed up", "user_id", saved.ID)
	return saved, nil
}

// Login checks a username or email and password and opens a session. An
// unknown account and a wrong password are the same
// [cmerr.CodeAuthentication] error.
func (s *Service) Login(ctx context.Context, login, password string) (*Tokens, error) {
	ctx, span := s.tracer.Start(ctx, "session.Login")
	defer span.End()

	badCredentials := cmerr.Unauthorized("invalid username or password")

	var (
		u   *models.User
		err error
	)
	login = strings.TrimSpace(login)
	storeCtx, cancel := s.storeContext(ctx)
	if strings.Contains(login, "@") {
		u, err = s.users.FindByEmail(storeCtx, login)
	} else {
		u, err = s.users.FindByUsername(storeCtx, login)
	}
	cancel()
	if cmerr.HasCode(err, cmerr.CodeNotFoundUser) {
		_ = s.compare(s.decoy(), []byte(password))
		return nil, record(span, badCredentials)
	}
	if err != nil {
		return nil, record(span, err)
	}
	if u.PasswordHash == "" {
		_ = s.compare(s.decoy(), []byte(password))
		return nil, record(span, badCredentials)
	}
	if err := s.compare([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.logger.InfoContext(ctx, "session: password mismatch", "user_id", u.ID)
		return nil, record(span, badCredentials)
	}

	tokens, err := s.IssueFor(ctx, u)
	return tokens, record(span, err)
}

// IssueFor opens a session for an already authenticated user, revoking all
// of the user's sessions first when the cap is reached.
func (s *Service) IssueFor(ctx context.Context, u *models.User) (*Tokens, error) {
	ctx, span := s.tracer.Start(ctx, "session.IssueFor", trace.WithAttributes(attribute.Int64("user.id", u.ID)))
	defer span.End()

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	active, err := s.refresh.ActiveCount(storeCtx, u.ID, s.now())
	if err != nil {
		return nil, record(span, err)
	}
	if active >= int64(s.cfg.MaxSessions) {
		revoked, err := s.refresh.RevokeAll(storeCtx, u.ID)
		if err != nil {
			return nil, record(span, err)
		}
		s.logger.InfoContext(ctx, "session: session cap reached, revoked existing sessions",
			"user_id", u.ID,
			"revoked", revoked,
			"max_sessions", s.cfg.MaxSessions,
		)
	}

	tokens, err := s.issue(ctx, u)
	return tokens, record(span, err)
}

// Refresh rotates refreshToken into a new session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	ctx, span := s.tracer.Start(ctx, "session.Refresh")
	defer span.End()

	if refreshToken == "" {
		return nil, record(span, cmerr.SessionExpired(cmerr.RefreshTokenNotFound()))
	}
	hash := refresh.HashToken(refreshToken)

	if s.ledger != nil {
		owner, spent, err := s.ledger.SpentBy(ctx, hash)
		if err != nil {
			s.logger.WarnContext(ctx, "session: reuse ledger unavailable", "error", err)
		} else if spent {
			return nil, record(span, s.revokeOnReuse(ctx, owner))
		}
	}

	storeCtx, cancel := s.storeContext(ctx)
	row, err := s.refresh.Consume(storeCtx, refreshToken)
	cancel()
	if err != nil {
		return nil, record(span, sessionError(err))
	}

	if s.ledger != nil {
		if err := s.ledger.MarkSpent(ctx, hash, row.UserID, row.Remaining(s.now())); err != nil {
			s.logger.WarnContext(ctx, "session: failed to record rotated token", "user_id", row.UserID, "error", err)
		}
	}

	storeCtx, cancel = s.storeContext(ctx)
	u, err := s.users.FindByID(storeCtx, row.UserID)
	cancel()
	if err != nil {
		return nil, record(span, sessionError(err))
	}

	tokens, err := s.issue(ctx, u)
	return tokens, record(span, err)
}

// Logout revokes every session of the owner of refreshToken. An unknown
// token is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	ctx, span := s.tracer.Start(ctx, "session.Logout")
	defer span.End()

	storeCtx, cancel := s.storeContext(ctx)
	row, err := s.refresh.Lookup(storeCtx, refreshToken)
	cancel()
	if cmerr.HasCode(err, cmerr.CodeNotFoundRefreshToken) {
		return nil
	}
	if err != nil {
		return record(span, err)
	}
	return record(span, s.LogoutUser(ctx, row.UserID))
}

// LogoutUser revokes every session of userID.
func (s *Service) LogoutUser(ctx context.Context, userID int64) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.refresh.RevokeAll(storeCtx, userID)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "session: user logged out", "user_id", userID, "revoked", n)
	return nil
}

func (s *Service) issue(ctx context.Context, u *models.User) (*Tokens, error) {
	access, err := s.minter.Mint(u.Username, u.ID, string(u.Role), s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	token, _, err := s.refresh.Issue(storeCtx, u.ID, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  access,
		RefreshToken: token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL / time.Second),
		User:         u,
	}, nil
}

func (s *Service) revokeOnReuse(ctx context.Context, owner int64) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.refresh.RevokeAll(storeCtx, owner)
	if err != nil {
		s.logger.ErrorContext(ctx, "session: failed to revoke sessions after token reuse", "user_id", owner, "error", err)
		return err
	}
	s.logger.WarnContext(ctx, "session: rotated refresh token presented again, revoked all sessions",
		"user_id", owner,
		"revoked", n,
	)
	return cmerr.SessionExpired(nil).WithDetail("reason", "reuse")
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// decoy returns a bcrypt hash at the configured cost that no password is
// expected to match.
func (s *Service) decoy() []byte {
	s.decoyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("classmarket: no account"), s.cfg.BcryptCost)
		if err != nil {
			h, _ = bcrypt.GenerateFromPassword([]byte("classmarket: no account"), bcrypt.DefaultCost)
		}
		s.decoyHash = h
	})
	return s.decoyHash
}

// sessionError folds client-caused refresh failures into SessionExpired
// and passes server failures through.
func sessionError(err error) error {
	if cmerr.IsServerError(err) {
		return err
	}
	if cmerr.HasCode(err, cmerr.CodeAuthenticationSessionExpired) {
		return err
	}
	return cmerr.SessionExpired(err)
}

func record(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

var _ TokenMinter = (*auth.TokenCodec)(nil)

var (
	_ RefreshStore = (*refresh.Store)(nil)
	_ ReuseLedger  = (*refresh.ReuseLedger)(nil)
)
