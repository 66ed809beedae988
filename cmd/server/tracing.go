package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// TracingConfig controls span export. Disabled tracing leaves the global
// no-op provider in place; spans are still created but go nowhere.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" env:"ENDPOINT" envDefault:"localhost:4318"`
	Insecure    bool    `json:"insecure" yaml:"insecure" env:"INSECURE"`
	ServiceName string  `json:"service_name" yaml:"service_name" env:"SERVICE_NAME" envDefault:"classmarket-core"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// initTracing installs an OTLP/HTTP tracer provider and the W3C
// propagators. The returned function flushes and stops the provider.
func initTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeInternalConfiguration, "server: failed to create trace exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
		resource.WithHost(),
		resource.WithProcessRuntimeDescription(),
	)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeInternalConfiguration, "server: failed to build trace resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// sampler maps a rate to a sampler. Rates outside (0, 1) mean always.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}
