// Package telemetry wires OpenTelemetry tracing for the forwarding engine:
// an OTLP exporter configured from config.TelemetryConfig, and span helpers
// for the dispatch run and the revocation sweep (the engine opens only the
// dispatch span).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors config.TelemetryConfig.
type Config struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc" (default) or "http"
	Insecure    bool
	ServiceName string
	Headers     map[string]string
}

// Shutdowner flushes and tears down the tracer provider on engine stop.
type Shutdowner func(ctx context.Context) error

var noopShutdown Shutdowner = func(ctx context.Context) error { return nil }

// Setup installs a global tracer provider per cfg. When cfg.Enabled is
// false it installs a no-op tracer so callers never need to nil-check.
func Setup(ctx context.Context, cfg Config) (trace.Tracer, Shutdowner, error) {
	if !cfg.Enabled {
		return otel.Tracer("telefwd"), noopShutdown, nil
	}

	client, err := newExporterClient(cfg)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: creating exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "telefwd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Tracer("telefwd"), tp.Shutdown, nil
}

func newExporterClient(cfg Config) (otlptrace.Client, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.NewClient(opts...), nil
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("telemetry: unknown protocol %q", cfg.Protocol)
	}
}

// StartDispatchSpan opens a span around one dispatch run of the source
// message messageID posted in channelID.
func StartDispatchSpan(ctx context.Context, tracer trace.Tracer, messageID, channelID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("dispatch.message_id", messageID),
		attribute.String("dispatch.channel_id", channelID),
	))
}

// StartRevocationSpan opens a span around one revocation sweep.
func StartRevocationSpan(ctx context.Context, tracer trace.Tracer) (context.Context, trace.Span) {
	return tracer.Start(ctx, "revocation.sweep")
}
