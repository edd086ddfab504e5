package h2engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "h2engine")
	TracerName string
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "h2engine",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that starts a server span per request.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a Tracing middleware with custom configuration.
// The parent span is extracted from the request headers.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "h2engine"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			// Skip tracing for paths in the skip list
			if skipMap[ctx.Path()] {
				return next.Serve(ctx)
			}
			tracer := otel.Tracer(config.TracerName)

			// Extract parent span context from headers
			parentCtx := config.Propagator.Extract(ctx.Context(), headerCarrier{ctx: ctx})
			spanCtx, span := tracer.Start(
				parentCtx,
				ctx.Method()+" "+ctx.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			// Set standard HTTP span attributes
			span.SetAttributes(
				attribute.String("http.method", ctx.Method()),
				attribute.String("http.target", ctx.Path()),
				attribute.String("http.scheme", ctx.Scheme()),
				attribute.String("http.host", ctx.Authority()),
				attribute.String("http.flavor", ctx.Protocol()),
				attribute.Int("http.request_content_length", len(ctx.Body())),
			)
			if reqID, ok := ctx.Get("request-id"); ok {
				if reqIDStr, ok := reqID.(string); ok {
					span.SetAttributes(attribute.String("http.request_id", reqIDStr))
				}
			}

			// Run the handler under the span context
			originalCtx := ctx.ctx
			ctx.ctx = spanCtx
			err := next.Serve(ctx)
			ctx.ctx = originalCtx

			// Record status code
			status := ctx.Status()
			if status == 0 {
				status = 200
			}
			span.SetAttributes(attribute.Int("http.status_code", status))

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case status >= 500:
				span.SetStatus(codes.Error, "HTTP error")
			default:
				span.SetStatus(codes.Ok, "")
			}

			return err
		})
	}
}

// headerCarrier adapts request headers to propagation.TextMapCarrier. Set
// writes response headers.
type headerCarrier struct {
	ctx *Context
}

func (hc headerCarrier) Get(key string) string { return hc.ctx.Header(key) }
func (hc headerCarrier) Set(key, value string) { hc.ctx.SetHeader(key, value) }

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.ctx.Headers()))
	for _, h := range hc.ctx.Headers() {
		keys = append(keys, h[0])
	}
	return keys
}
