// Package interceptors composes handler middleware for the messaging
// runtime.
//
// An Interceptor wraps the handler of every incoming message. A Chain runs
// its interceptors in the order they were added and plugs into the runtime
// as a single middleware:
//
//	chain := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewRateLimitingInterceptor(200, 50),
//		interceptors.NewTimeoutInterceptor(30*time.Second),
//		interceptors.NewValidationInterceptor(nil),
//	)
//	rt, err := messaging.NewRuntime(messaging.WithHandlerMiddleware(chain.Middleware()))
//
// An interceptor error is a handler error: it goes through the failure
// policy of the runtime like any other. An interceptor that returns nil
// without calling next completes the envelope unhandled.
package interceptors
