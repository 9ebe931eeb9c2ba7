// Package telemetry provides distributed tracing setup using OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig describes the exporter and the bridge instance spans are attributed to.
type TracingConfig struct {
	ServiceName string
	Version     string
	Endpoint    string // OTLP gRPC host:port; empty disables tracing
	// SampleRatio is the fraction of root traces kept. Every poll cycle is a root trace,
	// so busy deployments usually lower it.
	SampleRatio float64
	ZulipSite   string
	IRCServer   string
}

// TracingConfigFromEnv fills Endpoint and SampleRatio from the standard OTEL_* variables.
func TracingConfigFromEnv(serviceName, version string) TracingConfig {
	return TracingConfig{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRatio: sampleRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// sampleRatio parses a sampler ratio, defaulting to 1 and clamping to [0,1].
func sampleRatio(v string) float64 {
	r, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 1
	}
	return min(max(r, 0), 1)
}

// InitTracing installs an OTLP/gRPC tracer provider. With no endpoint it does nothing
// and returns a no-op shutdown.
func InitTracing(cfg TracingConfig) (func(), error) {
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}, nil
}

func resourceAttributes(cfg TracingConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	}
	if cfg.ZulipSite != "" {
		attrs = append(attrs, attribute.String("bridge.zulip_site", cfg.ZulipSite))
	}
	if cfg.IRCServer != "" {
		attrs = append(attrs, attribute.String("bridge.irc_server", cfg.IRCServer))
	}
	return attrs
}

// StartSpan starts a span, tagging it with the correlation id carried by ctx.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
