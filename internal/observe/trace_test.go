package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps the global tracer provider for one backed by an
// in-memory exporter.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// ─── ShutdownTrace ──────────────────────────────────────────────────────────

func TestShutdownTrace_RecordsSteps(t *testing.T) {
	exp := installTracer(t)

	ctx, tr := StartShutdown(context.Background(), "voice call ended")
	if TraceID(ctx) == "" {
		t.Fatal("StartShutdown did not put a span in the context")
	}
	tr.Step("deactivate", nil)
	tr.Step("leave_call", nil)
	tr.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != SpanShutdown {
		t.Errorf("span name = %q, want %q", s.Name, SpanShutdown)
	}
	var reason string
	for _, kv := range s.Attributes {
		if kv.Key == AttrStopReason {
			reason = kv.Value.AsString()
		}
	}
	if reason != "voice call ended" {
		t.Errorf("stop reason attribute = %q", reason)
	}
	if len(s.Events) != 2 || s.Events[0].Name != "deactivate" || s.Events[1].Name != "leave_call" {
		t.Errorf("events = %v, want deactivate, leave_call", s.Events)
	}
	if s.Status.Code == codes.Error {
		t.Errorf("status = %v, want unset", s.Status)
	}
}

func TestShutdownTrace_FailedStepsMarkError(t *testing.T) {
	exp := installTracer(t)

	_, tr := StartShutdown(context.Background(), "received SIGINT")
	tr.Step("leave_call", errors.New("gateway gone"))
	tr.Panicked("flush", "boom")
	tr.Step("stop_consumer", nil)
	tr.End()

	s := exp.GetSpans()[0]
	if s.Status.Code != codes.Error {
		t.Fatalf("status code = %v, want Error", s.Status.Code)
	}
	if s.Status.Description != "failed steps: leave_call, flush" {
		t.Errorf("status description = %q", s.Status.Description)
	}
}

// ─── TraceID / Logger ───────────────────────────────────────────────────────

func TestTraceID_EmptyWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}
}

func TestTraceID_Hex(t *testing.T) {
	installTracer(t)

	ctx, span := Tracer().Start(context.Background(), "test-span")
	defer span.End()

	id := TraceID(ctx)
	if len(id) != 32 {
		t.Fatalf("trace ID length = %d, want 32", len(id))
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("trace ID contains non-hex character %q", c)
		}
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	installTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, tr := StartShutdown(context.Background(), "test")
	defer tr.End()

	Logger(ctx, base).Info("relay: stopping")

	for _, want := range []string{"trace_id=", "span_id="} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("log output missing %s: %s", want, buf.String())
		}
	}
}

func TestLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	if l := Logger(context.Background(), base); l != base {
		t.Error("Logger without a span should return base unchanged")
	}
	if Logger(context.Background(), nil) == nil {
		t.Fatal("Logger(ctx, nil) returned nil")
	}
}
