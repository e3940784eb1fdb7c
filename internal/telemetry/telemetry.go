// Package telemetry wires OpenTelemetry tracing for storysmith.
package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	serviceName    = "storysmith"
	instrumentName = "github.com/cchalm/storysmith"
)

// ServiceVersion is reported on every span. Overridden at startup with the build version
var ServiceVersion = "dev"

// TelemetryConfig holds the configuration for telemetry
type TelemetryConfig struct {
	Enabled bool
	// OTLPEndpoint is the host:port of an OTLP/HTTP collector, e.g. a local Jaeger
	OTLPEndpoint string
}

// Provider manages the lifetime of the tracer provider
type Provider struct {
	tp *sdktrace.TracerProvider // nil when telemetry is disabled
}

// NewProvider installs a global tracer provider exporting to the configured collector. When telemetry is disabled the
// global no-op provider is left in place
func NewProvider(ctx context.Context, config TelemetryConfig) (*Provider, error) {
	if !config.Enabled {
		zap.S().Debug("Telemetry disabled")
		return &Provider{}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if config.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(config.OTLPEndpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", ServiceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	zap.S().Infof("Telemetry enabled, exporting traces to %s", config.OTLPEndpoint)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and shuts down the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	zap.S().Debug("Shutting down telemetry provider")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}

// Tracer returns the tracer used throughout storysmith
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentName)
}

// RecordError marks a span as failed
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// NewConversationID generates a new conversation UUID
func NewConversationID() string {
	return uuid.New().String()
}
