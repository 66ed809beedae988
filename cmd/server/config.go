package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ClassMarket/classmarket-core/pkg/auth"
	"github.com/ClassMarket/classmarket-core/pkg/clients/postgres"
	"github.com/ClassMarket/classmarket-core/pkg/clients/redis"
	"github.com/ClassMarket/classmarket-core/pkg/config"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/oauthlogin"
	"github.com/ClassMarket/classmarket-core/pkg/session"
)

// envPrefix namespaces every environment variable the server reads.
const envPrefix = "CLASSMARKET"

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// ServerConfig is the full server configuration. Session settings live
// under "session" in files but keep unprefixed variables, so
// CLASSMARKET_ACCESS_TTL and session.access_ttl both set the access token
// lifetime. Secrets may come from a file in either format; they redact
// themselves when the config is serialized.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`
	GRPCAddr        string        `json:"grpc_addr" yaml:"grpc_addr" env:"GRPC_ADDR"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `json:"log_level" yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`

	// Storage selects where users and refresh tokens live. The memory
	// backend needs no Redis, so it runs without reuse detection or
	// OAuth2 login.
	Storage string `json:"storage" yaml:"storage" env:"STORAGE" envDefault:"postgres"`

	Session session.Config   `json:"session" yaml:"session"`
	Token   auth.CodecConfig `json:"token" yaml:"token" env:"TOKEN"`

	MobileTokenThreshold int                       `json:"mobile_token_threshold" yaml:"mobile_token_threshold" env:"MOBILE_TOKEN_THRESHOLD" envDefault:"500"`
	Mobile               auth.MobileProviderConfig `json:"mobile" yaml:"mobile" env:"MOBILE"`
	OAuth                oauthlogin.Config         `json:"oauth2" yaml:"oauth2" env:"OAUTH2"`

	// AuthzRules replace the default route rules when set. Rules contain
	// commas, so they are read from the file only.
	AuthzRules []string `json:"authz_rules" yaml:"authz_rules"`

	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" env:"SWEEP_INTERVAL" envDefault:"1h"`

	Postgres postgres.Config `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	Redis    redis.Config    `json:"redis" yaml:"redis" env:"REDIS"`

	Tracing TracingConfig `json:"tracing" yaml:"tracing" env:"TRACING"`
}

// Validate checks the server-level fields. The signing key is checked by
// the token codec, so a missing key surfaces as SigningKeyUnavailable.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return cmerr.New(cmerr.CodeValidationRequired, "server: addr is required")
	}
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return cmerr.Newf(cmerr.CodeValidation, "server: unknown storage %q", c.Storage)
	}
	if c.ShutdownTimeout <= 0 {
		return cmerr.New(cmerr.CodeValidationRange, "server: shutdown timeout must be positive")
	}
	if c.SweepInterval < 0 {
		return cmerr.New(cmerr.CodeValidationRange, "server: sweep interval must not be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return cmerr.New(cmerr.CodeValidationRange, "server: tracing sample rate must be within [0, 1]")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// loadConfig layers defaults, the optional file at path and the
// environment read through lookup.
func loadConfig(path string, lookup config.LookupFunc) (ServerConfig, error) {
	var cfg ServerConfig
	l := config.New().WithEnvPrefix(envPrefix).WithLookup(lookup)
	if path != "" {
		l = l.WithFile(path)
	}
	if err := l.Load(&cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, cmerr.Newf(cmerr.CodeValidation, "server: unknown log level %q", s)
	}
	return lvl, nil
}
