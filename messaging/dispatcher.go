package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/courier-go/serialization"
)

// ErrNoHandler is returned when an envelope's message type has no handler
var ErrNoHandler = errors.New("messaging: no handler registered for message type")

// MessageHandler processes a specific message type. The MessageContext of
// the envelope being handled is available through FromContext.
type MessageHandler interface {
	Handle(ctx context.Context, msg any) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg any) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// HandlerRegistration represents a registered handler
type HandlerRegistration struct {
	Handler     MessageHandler
	MessageType string
	Options     HandlerOptions
}

// HandlerOptions configures handler behavior
type HandlerOptions struct {
	// Queue subscribes the message type to a local queue of this name
	Queue   string
	Durable bool
}

// HandlerOption configures handler registration
type HandlerOption func(*HandlerOptions)

// WithQueue routes the handled message type to a local queue
func WithQueue(queue string) HandlerOption {
	return func(opts *HandlerOptions) {
		opts.Queue = queue
	}
}

// WithDurableQueue makes the local queue durable
func WithDurableQueue() HandlerOption {
	return func(opts *HandlerOptions) {
		opts.Durable = true
	}
}

// MiddlewareFunc processes messages before they reach handlers
type MiddlewareFunc func(ctx context.Context, msg any, next MessageHandler) error

// MessageDispatcher maps message type names to handlers
type MessageDispatcher struct {
	handlers   map[string][]HandlerRegistration
	registry   *serialization.TypeRegistry
	mu         sync.RWMutex
	logger     *slog.Logger
	middleware []MiddlewareFunc
}

// DispatcherOption configures the MessageDispatcher
type DispatcherOption func(*MessageDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware to the dispatcher
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewMessageDispatcher creates a dispatcher. Handled types are registered
// in registry so their envelopes can be decoded.
func NewMessageDispatcher(registry *serialization.TypeRegistry, options ...DispatcherOption) *MessageDispatcher {
	if registry == nil {
		registry = serialization.NewTypeRegistry()
	}
	d := &MessageDispatcher{
		handlers: make(map[string][]HandlerRegistration),
		registry: registry,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// RegisterHandler registers a handler for the type of sample and returns
// the message type name
func (d *MessageDispatcher) RegisterHandler(sample any, handler MessageHandler, options ...HandlerOption) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("messageType cannot be nil")
	}
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	typeName, err := d.registry.RegisterType(sample)
	if err != nil {
		return "", err
	}

	var opts HandlerOptions
	for _, opt := range options {
		opt(&opts)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[typeName] = append(d.handlers[typeName], HandlerRegistration{
		Handler:     handler,
		MessageType: typeName,
		Options:     opts,
	})

	d.logger.Info("registered message handler",
		"messageType", typeName,
		"queue", opts.Queue,
		"durable", opts.Durable,
	)

	return typeName, nil
}

// RegisterHandlerFunc registers a function as a handler
func (d *MessageDispatcher) RegisterHandlerFunc(sample any, handler MessageHandlerFunc, options ...HandlerOption) (string, error) {
	return d.RegisterHandler(sample, handler, options...)
}

// Handle registers a typed handler function for T
func Handle[T any](d *MessageDispatcher, fn func(ctx context.Context, msg T) error, options ...HandlerOption) (string, error) {
	var zero T
	return d.RegisterHandler(zero, MessageHandlerFunc(func(ctx context.Context, msg any) error {
		switch m := msg.(type) {
		case T:
			return fn(ctx, m)
		case *T:
			return fn(ctx, *m)
		default:
			return fmt.Errorf("handler for %T received %T", zero, msg)
		}
	}), options...)
}

// UnregisterHandler removes every handler for messageType
func (d *MessageDispatcher) UnregisterHandler(messageType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[messageType]; !exists {
		return fmt.Errorf("no handlers registered for message type: %s", messageType)
	}
	delete(d.handlers, messageType)
	d.logger.Info("unregistered message handler", "messageType", messageType)
	return nil
}

// HasHandler reports whether messageType has a handler
func (d *MessageDispatcher) HasHandler(messageType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[messageType]) > 0
}

// Dispatch runs every handler for messageType in registration order
func (d *MessageDispatcher) Dispatch(ctx context.Context, messageType string, msg any) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	d.mu.RLock()
	handlers := append([]HandlerRegistration(nil), d.handlers[messageType]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoHandler, messageType)
	}

	var errs []error
	for _, reg := range handlers {
		handler := d.buildMiddlewareChain(reg.Handler)
		if err := handler.Handle(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetHandlers returns all registered handlers for a message type
func (d *MessageDispatcher) GetHandlers(messageType string) []HandlerRegistration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	handlers, exists := d.handlers[messageType]
	if !exists {
		return nil
	}

	// Return a copy to prevent external modification
	result := make([]HandlerRegistration, len(handlers))
	copy(result, handlers)
	return result
}

// GetRegisteredTypes returns all message types that have handlers
func (d *MessageDispatcher) GetRegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for typeName := range d.handlers {
		types = append(types, typeName)
	}
	return types
}

// buildMiddlewareChain builds the middleware execution chain
func (d *MessageDispatcher) buildMiddlewareChain(handler MessageHandler) MessageHandler {
	if len(d.middleware) == 0 {
		return handler
	}

	// Build chain in reverse order
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = MessageHandlerFunc(func(ctx context.Context, msg any) error {
			return middleware(ctx, msg, next)
		})
	}

	return result
}
