// Package tracing configures OpenTelemetry distributed tracing for the
// platform. Every service package obtains its tracer from the global
// provider installed here.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config contains configuration for OpenTelemetry tracing
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	Enabled        bool          `yaml:"enabled"`
	SampleRate     float64       `yaml:"sample_rate"`
	ExportEndpoint string        `yaml:"export_endpoint"`
	ExportTimeout  time.Duration `yaml:"export_timeout"`
	Insecure       bool          `yaml:"insecure"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		ServiceName:    "tenantcost",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        false,
		SampleRate:     1.0,
		ExportEndpoint: "localhost:4318",
		ExportTimeout:  10 * time.Second,
		Insecure:       true,
	}
}

// Service manages the tracer provider lifecycle.
type Service struct {
	provider *sdktrace.TracerProvider
}

// Setup installs the global tracer provider. When tracing is disabled a nil
// Service is returned and the default no-op provider stays in place.
func Setup(ctx context.Context, config Config) (*Service, error) {
	if !config.Enabled {
		return nil, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Service{provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}
