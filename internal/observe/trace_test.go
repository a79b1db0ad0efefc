package observe

import (
	"context"
	"encoding/hex"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider for the duration of t.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
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

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID() = %q, want empty", got)
	}
}

func TestStartSpan_SessionAndTurn(t *testing.T) {
	exp := useTracer(t)

	sessCtx, sess := StartSpan(context.Background(), "session")
	turnCtx, turn := StartSpan(sessCtx, "turn.user")

	sid, tid := CorrelationID(sessCtx), CorrelationID(turnCtx)
	if sid == "" || sid != tid {
		t.Errorf("turn should share the session trace: session=%q turn=%q", sid, tid)
	}
	if b, err := hex.DecodeString(sid); err != nil || len(b) != 16 {
		t.Errorf("correlation id %q is not a 16-byte hex trace id", sid)
	}

	turn.End()
	sess.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "turn.user" || spans[1].Name != "session" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("turn span is not a child of the session span")
	}
}

func TestStartSpan_SessionsGetDistinctTraces(t *testing.T) {
	useTracer(t)

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "session")
		id := CorrelationID(ctx)
		span.End()
		if seen[id] {
			t.Fatalf("duplicate trace id %s", id)
		}
		seen[id] = true
	}
}
