// Command server runs the ClassMarket authentication API.
//
// Configuration comes from defaults, an optional YAML or JSON file and
// CLASSMARKET_* environment variables, in that order of precedence:
//
//	CLASSMARKET_TOKEN_SIGNING_KEY=... server -config /etc/classmarket/server.yaml
//
// The process refuses to start without a signing key.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// tracingFlushTimeout bounds the final span export on exit.
const tracingFlushTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(envPrefix+"_CONFIG"), "path to a YAML or JSON config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath, os.LookupEnv)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("server: invalid configuration", "error", err)
		return 1
	}
	lvl, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("server: tracing setup failed", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingFlushTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("server: trace flush failed", "error", err)
		}
	}()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("server: startup failed", "error", err)
		return 1
	}
	defer a.close()

	if err := a.serve(ctx); err != nil {
		return 1
	}
	logger.Info("server: stopped")
	return 0
}
