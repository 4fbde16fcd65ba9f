package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// tracerForTest installs a provider backed by an in-memory exporter as the
// global tracer provider and restores the original on cleanup.
func tracerForTest(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// logToBuffer redirects the default slog logger into a buffer and restores
// it on cleanup.
func logToBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationIDWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}
}

func TestStartSpanRecordsOperation(t *testing.T) {
	exp := tracerForTest(t)

	ctx, span := StartSpan(context.Background(), "ingest.sweep")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Fatalf("trace ID %q has length %d, want 32 hex chars", cid, len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Fatalf("trace ID %q is not lowercase hex", cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "ingest.sweep" {
		t.Errorf("span name = %q, want ingest.sweep", spans[0].Name)
	}
}

func TestCorrelationIDDistinctPerTrace(t *testing.T) {
	tracerForTest(t)

	seen := make(map[string]struct{}, 50)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "context.build")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := seen[cid]; dup {
			t.Fatalf("trace ID %s issued twice", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestLoggerCarriesSpanIdentity(t *testing.T) {
	tracerForTest(t)
	buf := logToBuffer(t)

	ctx, span := StartSpan(context.Background(), "shard.save")
	defer span.End()

	Logger(ctx).Info("shard written", "name", "chapter-3")

	line := buf.String()
	if !strings.Contains(line, "trace_id=") {
		t.Errorf("log line missing trace_id: %s", line)
	}
	if !strings.Contains(line, "span_id=") {
		t.Errorf("log line missing span_id: %s", line)
	}
}

func TestLoggerWithoutSpanIsPlain(t *testing.T) {
	buf := logToBuffer(t)

	Logger(context.Background()).Info("startup")

	if line := buf.String(); strings.Contains(line, "trace_id") {
		t.Errorf("log line should carry no trace_id without a span: %s", line)
	}
}
