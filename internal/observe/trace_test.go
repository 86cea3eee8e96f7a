package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global provider
// for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "chat.send")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "chat.send" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "lead.forward")
	EndSpan(span, errors.New("webhook returned 502"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("error event not recorded")
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()

	Logger(ctx).Info("voice session started")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") || !strings.Contains(logged, "span_id=") {
		t.Errorf("log output missing trace attributes, got: %s", logged)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("voice session started")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}
