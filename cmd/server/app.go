package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ClassMarket/classmarket-core/internal/httpapi"
	"github.com/ClassMarket/classmarket-core/pkg/auth"
	"github.com/ClassMarket/classmarket-core/pkg/authz"
	"github.com/ClassMarket/classmarket-core/pkg/clients/postgres"
	"github.com/ClassMarket/classmarket-core/pkg/clients/redis"
	"github.com/ClassMarket/classmarket-core/pkg/oauthlogin"
	"github.com/ClassMarket/classmarket-core/pkg/provisioning"
	"github.com/ClassMarket/classmarket-core/pkg/refresh"
	"github.com/ClassMarket/classmarket-core/pkg/session"
	"github.com/ClassMarket/classmarket-core/pkg/users"
)

// readHeaderTimeout bounds slow clients on the HTTP listener.
const readHeaderTimeout = 10 * time.Second

// tokenStore is what the server needs from a refresh token backend.
type tokenStore interface {
	session.RefreshStore
	refresh.ExpiredSweeper
}

// app is a fully wired server. Nothing listens until serve is called.
type app struct {
	cfg      ServerConfig
	logger   *slog.Logger
	registry *prometheus.Registry

	http    *http.Server
	grpc    *grpc.Server
	health  *health.Server
	sweeper *refresh.Sweeper

	closers []func()
}

// build wires every component from cfg. A missing signing key is returned
// before any connection is opened.
func build(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (_ *app, err error) {
	codec, err := auth.NewTokenCodec(cfg.Token)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	checks := make(map[string]httpapi.HealthCheck)

	var (
		userStore users.Store
		tokens    tokenStore
		rdb       *redis.Client
	)
	switch cfg.Storage {
	case StorageMemory:
		logger.WarnContext(ctx, "server: using in-memory storage, data is lost on restart")
		userStore = users.NewMemoryStore()
		tokens = refresh.NewMemoryStore()
	default:
		db, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		checks["postgres"] = db.Health

		pgUsers := users.NewPostgresStore(db)
		if err := pgUsers.Migrate(ctx); err != nil {
			return nil, err
		}
		pgTokens := refresh.NewStore(db)
		if err := pgTokens.Migrate(ctx); err != nil {
			return nil, err
		}
		userStore, tokens = pgUsers, pgTokens

		rdb, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("server: redis close failed", "error", err)
			}
		})
		checks["redis"] = rdb.Health
	}

	provisioner := provisioning.New(userStore, provisioning.WithLogger(logger))

	resolverOpts := []auth.ResolverOption{
		auth.WithClassifier(auth.NewClassifier(cfg.MobileTokenThreshold)),
		auth.WithResolverLogger(logger),
	}
	var mobile auth.Verifier
	if cfg.Mobile.Enabled() {
		provider, err := auth.NewOIDCMobileVerifier(ctx, cfg.Mobile)
		if err != nil {
			return nil, err
		}
		mv := auth.NewMobileVerifier(provider, cfg.Mobile.Timeout)
		mobile = mv
		resolverOpts = append(resolverOpts, auth.WithMobileVerifier(mv))
		logger.InfoContext(ctx, "server: mobile identity tokens enabled", "project_id", cfg.Mobile.ProjectID)
	}
	resolver := auth.NewIdentityResolver(auth.NewLocalVerifier(codec), resolverOpts...)

	gate := auth.NewGate(resolver, provisioner,
		auth.WithGateLogger(logger),
		auth.WithGateMetrics(auth.NewGateMetrics(a.registry)),
	)

	var rules []authz.Rule
	if len(cfg.AuthzRules) > 0 {
		if rules, err = authz.ParseRules(cfg.AuthzRules); err != nil {
			return nil, err
		}
	}
	table, err := authz.NewTable(rules, authz.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	sessionOpts := []session.Option{session.WithLogger(logger)}
	if rdb != nil {
		sessionOpts = append(sessionOpts, session.WithReuseLedger(refresh.NewReuseLedger(rdb)))
	}
	sessions := session.NewService(cfg.Session, userStore, codec, tokens, sessionOpts...)

	var flow httpapi.OAuthFlow
	switch {
	case !cfg.OAuth.Enabled():
	case rdb == nil:
		logger.WarnContext(ctx, "server: oauth2 login needs redis, leaving it disabled", "storage", cfg.Storage)
	default:
		f, err := oauthlogin.New(ctx, cfg.OAuth, oauthlogin.NewRedisStateStore(rdb), oauthlogin.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		flow = f
		logger.InfoContext(ctx, "server: oauth2 login enabled", "provider", f.Name())
	}

	a.sweeper, err = refresh.NewSweeper(tokens, refresh.SweeperConfig{
		Interval:   cfg.SweepInterval,
		Logger:     logger,
		Registerer: a.registry,
	})
	if err != nil {
		return nil, err
	}
	checks["refresh_sweeper"] = a.sweeper.Health

	router := httpapi.NewRouter(httpapi.Deps{
		Sessions:    sessions,
		Users:       userStore,
		Provisioner: provisioner,
		Gate:        gate,
		Authz:       table,
		Mobile:      mobile,
		OAuth:       flow,
		Health:      checks,
		Registerer:  a.registry,
		Gatherer:    a.registry,
		Logger:      logger,
	})
	a.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(router, "classmarket.http"),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.GRPCAddr != "" {
		a.grpc = grpc.NewServer(
			grpc.ChainUnaryInterceptor(gate.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(gate.StreamServerInterceptor()),
		)
		a.health = health.NewServer()
		healthpb.RegisterHealthServer(a.grpc, a.health)
	}
	return a, nil
}

// serve runs the listeners and the sweeper until ctx is done or a
// listener fails, then shuts everything down.
func (a *app) serve(ctx context.Context) error {
	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		a.logger.Info("server: http listening", "addr", a.cfg.Addr)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if a.grpc != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
		if err != nil {
			a.shutdown()
			return err
		}
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			a.logger.Info("server: grpc listening", "addr", a.cfg.GRPCAddr)
			if err := a.grpc.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("server: shutdown signal received")
	case err = <-errc:
		a.logger.Error("server: listener failed", "error", err)
	}
	a.shutdown()
	return err
}

// shutdown drains the listeners and stops the sweeper within the
// configured timeout.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if a.health != nil {
		a.health.Shutdown()
	}
	if err := a.http.Shutdown(ctx); err != nil {
		a.logger.Warn("server: http shutdown incomplete", "error", err)
	}
	if a.grpc != nil {
		stopped := make(chan struct{})
		go func() {
			a.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			a.grpc.Stop()
		}
	}
	if err := a.sweeper.Stop(ctx); err != nil {
		a.logger.Warn("server: sweeper stop failed", "error", err)
	}
}

// close releases connections in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
