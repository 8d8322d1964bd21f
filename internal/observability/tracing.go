package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is a thin wrapper over the OpenTelemetry tracer API. Span export
// is controlled by whatever provider the embedding application installs
// globally; without one, spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer scoped to the given instrumentation name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartTurn starts the span covering one conversation turn.
func (t *Tracer) StartTurn(ctx context.Context, turnID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("turn.id", turnID)))
}

// StartModelCall starts the span covering one model API call.
func (t *Tracer) StartModelCall(ctx context.Context, modelID string, iteration int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "model.converse",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("model.id", modelID),
			attribute.Int("turn.iteration", iteration),
		))
}

// StartToolExecution starts the span covering one tool call.
func (t *Tracer) StartToolExecution(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool."+tool,
		trace.WithAttributes(attribute.String("tool.name", tool)))
}

// RecordError marks the span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
