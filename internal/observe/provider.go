package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig describes the process to the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Platform is the audio source ("discord", "websocket"), reported as
	// voicerelay.platform on every metric and span.
	Platform string

	// SpanExporter receives finished spans. Nil keeps spans in-process
	// only, which still gives trace IDs to logs and the status server.
	SpanExporter sdktrace.SpanExporter
}

// InitProvider installs global meter and tracer providers. Metrics go to the
// Prometheus default registry, where promhttp picks them up. The returned
// function flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("voicerelay"),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Platform != "" {
		attrs = append(attrs, attribute.String("voicerelay.platform", cfg.Platform))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		// Spans first so the shutdown span of the relay is flushed.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
