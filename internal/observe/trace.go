package observe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MrWong99/voicerelay"

// Span names and attribute keys recorded by the relay.
const (
	SpanShutdown   = "relay.shutdown"
	AttrStopReason = attribute.Key("relay.stop_reason")
	AttrStep       = attribute.Key("relay.step")
)

// Tracer returns the voicerelay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// ShutdownTrace records one relay teardown as a span with an event per
// completed step. It is not safe for concurrent use.
type ShutdownTrace struct {
	span   trace.Span
	failed []string
}

// StartShutdown opens the teardown span for a stop with the given reason.
func StartShutdown(ctx context.Context, reason string) (context.Context, *ShutdownTrace) {
	ctx, span := Tracer().Start(ctx, SpanShutdown, trace.WithAttributes(AttrStopReason.String(reason)))
	return ctx, &ShutdownTrace{span: span}
}

// Step records the outcome of a teardown step.
func (t *ShutdownTrace) Step(name string, err error) {
	if err != nil {
		t.failed = append(t.failed, name)
		t.span.RecordError(err, trace.WithAttributes(AttrStep.String(name)))
		return
	}
	t.span.AddEvent(name)
}

// Panicked records a step that panicked with v.
func (t *ShutdownTrace) Panicked(name string, v any) {
	t.failed = append(t.failed, name)
	t.span.AddEvent("step panicked", trace.WithAttributes(
		AttrStep.String(name),
		attribute.String("panic", fmt.Sprint(v)),
	))
}

// End closes the span, marking it failed if any step failed.
func (t *ShutdownTrace) End() {
	if len(t.failed) > 0 {
		t.span.SetStatus(codes.Error, "failed steps: "+strings.Join(t.failed, ", "))
	}
	t.span.End()
}

// TraceID returns the hex trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns base (slog.Default() when nil) with trace_id and span_id
// of the span in ctx attached.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
