package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "op")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("CorrelationID = %q, want 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSessionSpan(t *testing.T) {
	exp := useTestTracer(t)
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span, log := StartSessionSpan(context.Background(), "session", "4f1c",
		attribute.String("source_language", "en-US"))
	log.Info("connected")
	EndSpan(span, nil)

	out := buf.String()
	for _, want := range []string{"session_id=4f1c", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := make(map[attribute.Key]string)
	for _, kv := range spans[0].Attributes {
		got[kv.Key] = kv.Value.AsString()
	}
	if got[SessionIDKey] != "4f1c" || got["source_language"] != "en-US" {
		t.Errorf("span attributes = %v", got)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("span without error marked failed")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "transport.connect")
	EndSpan(span, errors.New("auth failed"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Status.Code != codes.Error || s.Status.Description != "auth failed" {
		t.Errorf("status = %+v, want error %q", s.Status, "auth failed")
	}
	if len(s.Events) != 1 || s.Events[0].Name != "exception" {
		t.Errorf("events = %v, want one exception event", s.Events)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	SessionLogger(context.Background(), "s1").Info("idle")

	out := buf.String()
	if strings.Contains(out, "trace_id") {
		t.Errorf("log output should not contain trace_id: %s", out)
	}
	if !strings.Contains(out, "session_id=s1") {
		t.Errorf("log output missing session_id: %s", out)
	}
}
