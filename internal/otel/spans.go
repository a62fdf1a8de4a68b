package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for assistant spans and metrics.
var (
	AttrAgentName      = attribute.Key("assistant.agent.name")
	AttrConversationID = attribute.Key("assistant.conversation.id")
	AttrTurnID         = attribute.Key("assistant.turn.id")
	AttrToolName       = attribute.Key("assistant.tool.name")
	AttrOutcome        = attribute.Key("assistant.decision.outcome")
	AttrConfidence     = attribute.Key("assistant.decision.confidence")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
