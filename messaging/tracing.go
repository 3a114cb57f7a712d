package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/courier-go/contracts"
)

const tracerName = "github.com/glimte/courier-go/messaging"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// injectTrace writes the span context of ctx into the envelope headers
func injectTrace(ctx context.Context, env *contracts.Envelope) {
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))
}

// extractTrace continues the trace carried by env
func extractTrace(ctx context.Context, env *contracts.Envelope) context.Context {
	if len(env.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
}

func envelopeAttributes(env *contracts.Envelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.message.id", env.ID),
		attribute.String("messaging.message.type", env.MessageType),
		attribute.String("messaging.destination.name", env.Destination),
		attribute.String("messaging.message.conversation_id", env.CorrelationID),
		attribute.Int("messaging.attempts", env.Attempts),
	}
}

func startHandleSpan(ctx context.Context, env *contracts.Envelope) (context.Context, trace.Span) {
	ctx = extractTrace(ctx, env)
	return tracer().Start(ctx, "courier.handle "+env.MessageType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(envelopeAttributes(env)...))
}

func startSendSpan(ctx context.Context, env *contracts.Envelope) (context.Context, trace.Span) {
	return tracer().Start(ctx, "courier.send "+env.Destination,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(envelopeAttributes(env)...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
