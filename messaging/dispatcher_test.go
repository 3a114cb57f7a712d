package messaging

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/serialization"
)

type cancelOrder struct {
	OrderID string `json:"orderId"`
}

type refundIssued struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, msg any) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func TestMessageDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("NewMessageDispatcher creates dispatcher with defaults", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)

		assert.NotNil(t, dispatcher.handlers)
		assert.NotNil(t, dispatcher.registry)
		assert.NotNil(t, dispatcher.logger)
		assert.Empty(t, dispatcher.middleware)
	})

	t.Run("NewMessageDispatcher applies options", func(t *testing.T) {
		logger := slog.Default()
		passThrough := func(ctx context.Context, msg any, next MessageHandler) error {
			return next.Handle(ctx, msg)
		}

		dispatcher := NewMessageDispatcher(nil, WithDispatcherLogger(logger), WithMiddleware(passThrough))

		assert.Equal(t, logger, dispatcher.logger)
		assert.Len(t, dispatcher.middleware, 1)
	})

	t.Run("RegisterHandler registers the type for decoding", func(t *testing.T) {
		registry := serialization.NewTypeRegistry()
		dispatcher := NewMessageDispatcher(registry)
		handler := &mockHandler{}

		typeName, err := dispatcher.RegisterHandler(cancelOrder{}, handler, WithQueue("orders"))
		require.NoError(t, err)
		assert.Equal(t, "messaging.cancelOrder", typeName)

		handlers := dispatcher.GetHandlers(typeName)
		require.Len(t, handlers, 1)
		assert.Equal(t, handler, handlers[0].Handler)
		assert.Equal(t, "orders", handlers[0].Options.Queue)
		assert.True(t, dispatcher.HasHandler(typeName))

		assert.True(t, registry.IsRegistered(typeName))
	})

	t.Run("RegisterHandler rejects nil arguments", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)

		_, err := dispatcher.RegisterHandler(nil, &mockHandler{})
		assert.ErrorContains(t, err, "messageType cannot be nil")

		_, err = dispatcher.RegisterHandler(cancelOrder{}, nil)
		assert.ErrorContains(t, err, "handler cannot be nil")
	})

	t.Run("Dispatch runs the registered handler", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)
		handler := &mockHandler{}
		msg := &cancelOrder{OrderID: "42"}
		handler.On("Handle", mock.Anything, msg).Return(nil)

		typeName, err := dispatcher.RegisterHandler(cancelOrder{}, handler)
		require.NoError(t, err)

		assert.NoError(t, dispatcher.Dispatch(ctx, typeName, msg))
		handler.AssertExpectations(t)
	})

	t.Run("Dispatch runs every handler and joins their errors", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)
		failing, succeeding := &mockHandler{}, &mockHandler{}
		handlerErr := errors.New("handler failed")
		failing.On("Handle", mock.Anything, mock.Anything).Return(handlerErr)
		succeeding.On("Handle", mock.Anything, mock.Anything).Return(nil)

		typeName, err := dispatcher.RegisterHandler(cancelOrder{}, failing)
		require.NoError(t, err)
		_, err = dispatcher.RegisterHandler(cancelOrder{}, succeeding)
		require.NoError(t, err)

		err = dispatcher.Dispatch(ctx, typeName, &cancelOrder{})
		assert.ErrorIs(t, err, handlerErr)
		failing.AssertExpectations(t)
		succeeding.AssertExpectations(t)
	})

	t.Run("Dispatch fails with nil message", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)
		assert.ErrorContains(t, dispatcher.Dispatch(ctx, "x", nil), "message cannot be nil")
	})

	t.Run("Dispatch without handlers", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)
		err := dispatcher.Dispatch(ctx, "messaging.cancelOrder", &cancelOrder{})
		assert.ErrorIs(t, err, ErrNoHandler)
	})

	t.Run("UnregisterHandler removes handlers", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)
		typeName, err := dispatcher.RegisterHandler(cancelOrder{}, &mockHandler{})
		require.NoError(t, err)

		require.NoError(t, dispatcher.UnregisterHandler(typeName))
		assert.Empty(t, dispatcher.GetHandlers(typeName))
		assert.ErrorContains(t, dispatcher.UnregisterHandler(typeName), "no handlers registered")
	})

	t.Run("GetRegisteredTypes returns all registered types", func(t *testing.T) {
		dispatcher := NewMessageDispatcher(nil)
		_, err := dispatcher.RegisterHandler(cancelOrder{}, &mockHandler{})
		require.NoError(t, err)
		_, err = dispatcher.RegisterHandler(refundIssued{}, &mockHandler{})
		require.NoError(t, err)

		types := dispatcher.GetRegisteredTypes()
		assert.ElementsMatch(t, []string{"messaging.cancelOrder", "messaging.refundIssued"}, types)
	})

	t.Run("Middleware chain executes in correct order", func(t *testing.T) {
		var order []string
		trace := func(name string) MiddlewareFunc {
			return func(ctx context.Context, msg any, next MessageHandler) error {
				order = append(order, name+"-start")
				err := next.Handle(ctx, msg)
				order = append(order, name+"-end")
				return err
			}
		}

		dispatcher := NewMessageDispatcher(nil, WithMiddleware(trace("middleware1"), trace("middleware2")))
		typeName, err := dispatcher.RegisterHandlerFunc(cancelOrder{}, func(ctx context.Context, msg any) error {
			order = append(order, "handler")
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, dispatcher.Dispatch(ctx, typeName, &cancelOrder{}))
		assert.Equal(t, []string{
			"middleware1-start",
			"middleware2-start",
			"handler",
			"middleware2-end",
			"middleware1-end",
		}, order)
	})
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	dispatcher := NewMessageDispatcher(nil)

	var got []refundIssued
	typeName, err := Handle(dispatcher, func(ctx context.Context, msg refundIssued) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Dispatch(ctx, typeName, &refundIssued{OrderID: "a", Amount: 5}))
	require.NoError(t, dispatcher.Dispatch(ctx, typeName, refundIssued{OrderID: "b"}))
	assert.Equal(t, []refundIssued{{OrderID: "a", Amount: 5}, {OrderID: "b"}}, got)

	err = dispatcher.Dispatch(ctx, typeName, &cancelOrder{})
	assert.ErrorContains(t, err, "received *messaging.cancelOrder")
}

func TestHandlerOptions(t *testing.T) {
	opts := HandlerOptions{}
	WithQueue("billing")(&opts)
	WithDurableQueue()(&opts)
	assert.Equal(t, HandlerOptions{Queue: "billing", Durable: true}, opts)
}
