package h2engine

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr
}

func TestTracingContinuesIncomingTrace(t *testing.T) {
	sr := recordSpans(t)
	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ctx, _ := newTestContext("GET", "/orders", [2]string{"traceparent", traceparent})

	var inner trace.SpanContext
	err := Tracing()(HandlerFunc(func(ctx *Context) error {
		inner = trace.SpanContextFromContext(ctx.Context())
		return ctx.String(200, "ok")
	})).Serve(ctx)
	if err != nil {
		t.Fatal(err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "GET /orders" || span.SpanKind() != trace.SpanKindServer {
		t.Errorf("span = %q kind %v", span.Name(), span.SpanKind())
	}
	if got := span.Parent().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("parent trace id = %s", got)
	}
	if inner.SpanID() != span.SpanContext().SpanID() {
		t.Error("handler did not see the request span in its context")
	}
	if ctx.Context() != context.Background() {
		t.Error("request context not restored after the handler")
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v", span.Status())
	}
}

func TestTracingMarksServerErrors(t *testing.T) {
	sr := recordSpans(t)
	ctx, _ := newTestContext("GET", "/fail")
	_ = Tracing()(HandlerFunc(func(ctx *Context) error { return ctx.Error(503) })).Serve(ctx)

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("spans = %d, want one errored span", len(spans))
	}
}

func TestTracingSkipPaths(t *testing.T) {
	sr := recordSpans(t)
	ctx, _ := newTestContext("GET", "/health")
	_ = Tracing()(HandlerFunc(func(ctx *Context) error { return nil })).Serve(ctx)
	if n := len(sr.Ended()); n != 0 {
		t.Errorf("got %d spans for a skipped path", n)
	}
}
