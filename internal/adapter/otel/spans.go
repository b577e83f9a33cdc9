package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chatgate"

// StartTurnSpan starts a span covering one chat turn end to end.
func StartTurnSpan(ctx context.Context, providerName, model, conversationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chat.turn",
		trace.WithAttributes(
			attribute.String("chat.provider", providerName),
			attribute.String("chat.model", model),
			attribute.String("chat.conversation_id", conversationID),
		),
	)
}

// StartUpstreamSpan starts a span for the upstream provider stream.
func StartUpstreamSpan(ctx context.Context, providerName string, streaming bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chat.upstream",
		trace.WithAttributes(
			attribute.String("chat.provider", providerName),
			attribute.Bool("chat.upstream_streaming", streaming),
		),
	)
}
