package messaging_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/persistence/memory"
	localtransport "github.com/glimte/courier-go/transports/memory"
)

type auditEntry struct {
	Action string `json:"action"`
}

func installRecorder(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder, provider.Tracer("test")
}

func TestTracePropagation(t *testing.T) {
	recorder, tracer := installRecorder(t)
	ctx := context.Background()

	rt, err := messaging.NewRuntime(
		messaging.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		messaging.WithStore(memory.NewStore()),
		messaging.WithTransport(localtransport.New()),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var handled []trace.SpanContext
	_, err = rt.RegisterHandler(auditEntry{}, messaging.MessageHandlerFunc(func(ctx context.Context, msg any) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, trace.SpanContextFromContext(ctx))
		return nil
	}), messaging.WithQueue("audit"), messaging.WithDurableQueue())
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(stopCtx)
	})

	parentCtx, parent := tracer.Start(ctx, "place order")
	require.NoError(t, rt.Send(parentCtx, auditEntry{Action: "placed"}))
	parent.End()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 2*time.Second, 10*time.Millisecond)

	traceID := parent.SpanContext().TraceID()
	mu.Lock()
	assert.Equal(t, traceID, handled[0].TraceID(), "handler runs inside the sender's trace")
	mu.Unlock()

	require.Eventually(t, func() bool {
		var send, handle bool
		for _, span := range recorder.Ended() {
			switch {
			case strings.HasPrefix(span.Name(), "courier.send"):
				send = send || span.SpanKind() == trace.SpanKindProducer
			case strings.HasPrefix(span.Name(), "courier.handle"):
				handle = handle || (span.SpanKind() == trace.SpanKindConsumer &&
					span.SpanContext().TraceID() == traceID)
			}
		}
		return send && handle
	}, 2*time.Second, 10*time.Millisecond)
}
