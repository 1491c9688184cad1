// Package tracing installs the OpenTelemetry tracer provider shared by the
// HealthSync services.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config selects the exporter and sampling for one service
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a collector's gRPC host:port. Without one spans are
	// still created and propagated but never leave the process.
	OTLPEndpoint string
	// SampleRate applies to root spans. Child spans follow their parent.
	SampleRate float64
}

// DefaultConfig samples everything and takes the version from build info
func DefaultConfig(serviceName string) Config {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    "development",
		SampleRate:     1,
	}
}

// Provider owns the installed tracer provider
type Provider struct {
	tp       *sdktrace.TracerProvider
	exported bool
}

// Init installs a global tracer provider for cfg along with W3C trace
// context and baggage propagation.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("tracing: service name is required")
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("tracing: otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		p.exported = true
	}
	p.tp = sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return p, nil
}

// newResource describes the service on top of the SDK defaults. The semconv
// import must track the SDK's own schema version or Merge refuses.
func newResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}
	return res, nil
}

// Sampler maps a root sampling rate onto a parent-based sampler
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Exporting reports whether spans are sent to a collector
func (p *Provider) Exporting() bool {
	return p != nil && p.exported
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
