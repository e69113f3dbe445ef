package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer creates the hub's spans: one per websocket connection, one per auth,
// join or leaveroom request and one per empty-room sweep. A nil *Tracer is
// valid and produces non-recording spans.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    Endpoint: "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceLifecycle(ctx, "join", connID)
//	defer span.End()
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TraceConfig configures tracing.
type TraceConfig struct {
	// ServiceName defaults to "roomsync".
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	// Empty means spans go to the global provider, a no-op unless the
	// embedding program installed one.
	Endpoint string

	// SamplingRate is the fraction of traces recorded. Zero means 1.
	SamplingRate float64

	// EnableInsecure disables TLS to the collector.
	EnableInsecure bool
}

// NewTracer creates a tracer and the function that flushes and stops it.
// When the exporter cannot be created the tracer falls back to the global
// provider.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "roomsync"
	}
	fallback := &Tracer{tracer: otel.Tracer(config.ServiceName), serviceName: config.ServiceName}
	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return fallback, noop
	}

	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		otel.Handle(fmt.Errorf("create otlp exporter: %w", err))
		return fallback, noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(config.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{tracer: provider.Tracer(config.ServiceName), serviceName: config.ServiceName}, provider.Shutdown
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// NewTracerWithProvider builds a tracer on an existing provider, such as an
// SDK provider with an in-memory span recorder.
func NewTracerWithProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), serviceName: name}
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceConnection starts the span covering one websocket connection.
func (t *Tracer) TraceConnection(ctx context.Context, connID, remoteAddr string) (context.Context, trace.Span) {
	return t.start(ctx, "connection", trace.SpanKindServer,
		attribute.String("conn.id", connID),
		attribute.String("net.peer", remoteAddr),
	)
}

// TraceLifecycle starts a span for an auth, join or leaveroom request.
func (t *Tracer) TraceLifecycle(ctx context.Context, op, connID string) (context.Context, trace.Span) {
	return t.start(ctx, "lifecycle."+op, trace.SpanKindInternal,
		attribute.String("lifecycle.op", op),
		attribute.String("conn.id", connID),
	)
}

// TraceSweep starts a span for one scheduled empty-room sweep.
func (t *Tracer) TraceSweep(ctx context.Context, retention string) (context.Context, trace.Span) {
	return t.start(ctx, "rooms.sweep", trace.SpanKindInternal,
		attribute.String("rooms.retention", retention),
	)
}

// RecordError records err on the span and marks the span failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets alternating key/value pairs on a span. Pairs whose key
// is not a string, and a trailing key without a value, are skipped.
//
//	tracer.SetAttributes(span, "room", "lobby", "members", 3)
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
		}
	}
	span.SetAttributes(attrs...)
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// GetTraceID returns the trace ID in ctx, or "" when no trace is active.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
