package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/serialization"
)

// Interceptor processes a message before it reaches the handler
type Interceptor interface {
	// Intercept processes msg and calls next to continue the chain
	Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error

	// Name identifies the interceptor in logs
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg any, next messaging.MessageHandler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg any, next messaging.MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

func (i *InterceptorFunc) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	return i.fn(ctx, msg, next)
}

func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in order around a final handler
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of the given interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	c := &Chain{}
	for _, i := range interceptors {
		c.Add(i)
	}
	return c
}

// Add appends an interceptor. Nil interceptors are ignored.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	if interceptor != nil {
		c.interceptors = append(c.interceptors, interceptor)
	}
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs msg through the chain and then final
func (c *Chain) Execute(ctx context.Context, msg any, final messaging.MessageHandler) error {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.MessageHandlerFunc(func(ctx context.Context, msg any) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler.Handle(ctx, msg)
}

// Middleware adapts the chain to runtime handler middleware
func (c *Chain) Middleware() messaging.MiddlewareFunc {
	return func(ctx context.Context, msg any, next messaging.MessageHandler) error {
		return c.Execute(ctx, msg, next)
	}
}

// envelopeOf returns the envelope being handled, nil outside the runtime
func envelopeOf(ctx context.Context) *contracts.Envelope {
	if mc, ok := messaging.FromContext(ctx); ok {
		return mc.Envelope()
	}
	return nil
}

// messageType prefers the envelope's type name and falls back to the Go type
func messageType(ctx context.Context, msg any) string {
	if env := envelopeOf(ctx); env != nil && env.MessageType != "" {
		return env.MessageType
	}
	return serialization.DeriveTypeName(msg)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (i *LoggingInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	start := time.Now()
	attrs := []any{"messageType", messageType(ctx, msg)}
	if env := envelopeOf(ctx); env != nil {
		attrs = append(attrs,
			"envelopeId", env.ID,
			"conversationId", env.CorrelationID,
			"attempts", env.Attempts)
	}

	i.logger.DebugContext(ctx, "processing message", attrs...)

	err := next.Handle(ctx, msg)
	attrs = append(attrs, "duration", time.Since(start))
	if err != nil {
		i.logger.WarnContext(ctx, "message processing failed", append(attrs, "error", err)...)
		return err
	}
	i.logger.DebugContext(ctx, "message processed", attrs...)
	return nil
}

func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutError reports a handler that ran past its deadline
type TimeoutError struct {
	MessageType string
	Timeout     time.Duration
	Err         error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handling %s timed out after %v: %v", e.MessageType, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TimeoutInterceptor bounds handler execution. The handler receives a
// context with the deadline and is expected to honor it.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	if i.timeout <= 0 {
		return next.Handle(ctx, msg)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next.Handle(timeoutCtx, msg)
	if err != nil && timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &TimeoutError{MessageType: messageType(ctx, msg), Timeout: i.timeout, Err: err}
	}
	return err
}

func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
