package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation library in spans.
const tracerName = "github.com/osa-ai/osa"

// Tracer wraps an OpenTelemetry tracer obtained from the global
// provider. Exporter wiring (OTLP, Jaeger, ...) is a deployment
// concern; without a configured provider the spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer bound to the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartTurn starts a span for a single agent-loop turn.
func (t *Tracer) StartTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
}

// StartLLMCall starts a span for a provider completion call.
func (t *Tracer) StartLLMCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		))
}

// StartToolCall starts a span for a tool dispatch.
func (t *Tracer) StartToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool_name", toolName)))
}

// EndSpan finishes a span, recording err if non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
