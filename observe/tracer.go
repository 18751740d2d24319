package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Call describes one authorized tool invocation.
type Call struct {
	Operation  string // Registered operation name (required)
	Permission string // Permission the operation requires
	Subject    string // User on whose behalf the agent acts
	Actor      string // Agent that presented the delegated token
	RequestID  string
}

// SpanName returns "tool.<operation>".
func (c Call) SpanName() string {
	return "tool." + c.Operation
}

func (c Call) attributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	attrs = append(attrs, attribute.String("tool.operation", c.Operation))
	for _, kv := range [...]struct{ key, value string }{
		{"tool.permission", c.Permission},
		{"enduser.id", c.Subject},
		{"delegation.actor", c.Actor},
		{"http.request.id", c.RequestID},
	} {
		if kv.value != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.value))
		}
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// Start starts an internal span with the given attributes.
	Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// StartCall starts the server span for a tool invocation.
	StartCall(ctx context.Context, call Call) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &otelTracer{tracer: t}
}

// NopTracer returns a tracer that records nothing.
func NopTracer() Tracer {
	return &otelTracer{tracer: tracenoop.NewTracerProvider().Tracer("noop")}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

func (t *otelTracer) StartCall(ctx context.Context, call Call) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, call.SpanName(), trace.WithAttributes(call.attributes()...), trace.WithSpanKind(trace.SpanKindServer))
}

func (t *otelTracer) EndSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		span.End()
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}
