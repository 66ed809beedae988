//go:build integration

// Package containers starts PostgreSQL and Redis with testcontainers-go for
// integration tests. Everything here is behind the "integration" build tag
// so unit test builds never pull in Docker dependencies.
//
//	//go:build integration
//
//	uri := containers.Postgres(t)   // postgres://...?sslmode=disable
//	addr := containers.Redis(t)     // redis://...
//
// Containers are terminated through t.Cleanup.
package containers

import (
	"context"
	"fmt"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const (
	DefaultPostgresImage    = "docker.io/postgres:16-alpine"
	DefaultPostgresDatabase = "classmarket_test"
	DefaultPostgresUser     = "classmarket"
	DefaultPostgresPassword = "classmarket"

	DefaultRedisImage = "docker.io/redis:7-alpine"
)

// PostgresResult is a running PostgreSQL container and its connection URI.
type PostgresResult struct {
	Container  *tcpostgres.PostgresContainer
	ConnString string
}

// StartPostgres starts a PostgreSQL container. The caller terminates it.
func StartPostgres(ctx context.Context) (*PostgresResult, error) {
	container, err := tcpostgres.Run(ctx,
		DefaultPostgresImage,
		tcpostgres.WithDatabase(DefaultPostgresDatabase),
		tcpostgres.WithUsername(DefaultPostgresUser),
		tcpostgres.WithPassword(DefaultPostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get connection string: %w", err)
	}
	return &PostgresResult{Container: container, ConnString: connStr}, nil
}

// Postgres starts a PostgreSQL container for the lifetime of t and returns
// its connection URI.
func Postgres(t testing.TB) string {
	t.Helper()
	ctx := context.Background()

	result, err := StartPostgres(ctx)
	if err != nil {
		t.Fatalf("%v", err)
	}
	t.Cleanup(func() {
		if err := result.Container.Terminate(ctx); err != nil {
			t.Logf("containers: failed to terminate postgres: %v", err)
		}
	})
	return result.ConnString
}

// RedisResult is a running Redis container and its redis:// URI.
type RedisResult struct {
	Container  *tcredis.RedisContainer
	ConnString string
}

// StartRedis starts an unauthenticated Redis container. The caller
// terminates it.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}
	return &RedisResult{Container: container, ConnString: connStr}, nil
}

// Redis starts a Redis container for the lifetime of t and returns its
// URI.
func Redis(t testing.TB) string {
	t.Helper()
	ctx := context.Background()

	result, err := StartRedis(ctx)
	if err != nil {
		t.Fatalf("%v", err)
	}
	t.Cleanup(func() {
		if err := result.Container.Terminate(ctx); err != nil {
			t.Logf("containers: failed to terminate redis: %v", err)
		}
	})
	return result.ConnString
}
