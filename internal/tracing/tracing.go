package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// propagator is the W3C traceparent/tracestate codec behind both the
// string-map helpers (InjectHeaders/ExtractHeaders) and the AMQP
// x-trace-context-<field> headers (InjectAMQPHeaders/ExtractAMQPHeaders).
var propagator = propagation.TraceContext{}

// InitTracer initializes an OTLP/HTTP tracer provider and installs it as
// the global tracer, mirroring the previous Jaeger-backed setup. The
// returned shutdown func flushes and closes the exporter.
func InitTracer(ctx context.Context, serviceName, collectorEndpoint string) (trace.Tracer, func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(collectorEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize otlp exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// StartSpan starts a new span with the given operation name using the
// global tracer provider.
func StartSpan(ctx context.Context, operationName string) (trace.Span, context.Context) {
	newCtx, span := otel.Tracer("agentqueue").Start(ctx, operationName)
	return span, newCtx
}

// FinishSpan ends a span.
func FinishSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// LogError records an error on the span and marks its status as errored.
func LogError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetTag sets an attribute on the span. value is rendered via fmt.Sprint;
// callers needing a typed attribute should use span.SetAttributes directly.
func SetTag(span trace.Span, key string, value interface{}) {
	if span != nil {
		span.SetAttributes(attribute.String(key, fmt.Sprint(value)))
	}
}

// headerCarrier adapts the string-keyed header map carried on AMQP
// envelopes and HTTP requests to propagation.TextMapCarrier.
type headerCarrier map[string]string

func (h headerCarrier) Get(key string) string      { return h[key] }
func (h headerCarrier) Set(key, value string)       { h[key] = value }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// InjectHeaders writes the current span's W3C trace context into an AMQP
// or HTTP header map so the downstream consumer or admin API handler can
// continue the same trace.
func InjectHeaders(ctx context.Context, headers map[string]string) {
	propagator.Inject(ctx, headerCarrier(headers))
}

// ExtractHeaders reconstructs a context carrying the W3C trace context
// found in an inbound AMQP or HTTP header map, falling back to a fresh
// trace if no traceparent is present.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return propagator.Extract(ctx, headerCarrier(headers))
}

// InjectAMQPHeaders writes the current span's trace context into an AMQP
// table, one x-trace-context-<field> entry per propagator field (e.g.
// x-trace-context-traceparent). The broker publisher uses it for
// request, retry, and DLQ publishes; response publishes carry no trace
// headers.
func InjectAMQPHeaders(ctx context.Context, amqpHeaders map[string]interface{}) {
	carrier := headerCarrier{}
	propagator.Inject(ctx, carrier)
	for k, v := range carrier {
		amqpHeaders["x-trace-context-"+k] = v
	}
}

// ExtractAMQPHeaders reconstructs a context from an inbound AMQP table's
// x-trace-context-prefixed entries.
func ExtractAMQPHeaders(ctx context.Context, amqpHeaders map[string]interface{}) context.Context {
	carrier := headerCarrier{}
	for k, v := range amqpHeaders {
		if s, ok := v.(string); ok {
			if trimmed, found := trimTracePrefix(k); found {
				carrier[trimmed] = s
			}
		}
	}
	return propagator.Extract(ctx, carrier)
}

func trimTracePrefix(key string) (string, bool) {
	const prefix = "x-trace-context-"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):], true
	}
	return "", false
}
