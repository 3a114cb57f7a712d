package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/serialization"
)

// HandlerPanicError carries a recovered handler panic through the failure
// policy like any other error
type HandlerPanicError struct {
	Value any
	Stack string
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Executor runs handlers for envelopes and applies the continuation the
// failure policy picks
type Executor struct {
	runtime    *Runtime
	dispatcher *MessageDispatcher
	policy     *FailurePolicy
	codec      *serialization.Codec
	metrics    MetricsCollector
	logger     *slog.Logger
}

func newExecutor(rt *Runtime) *Executor {
	return &Executor{
		runtime:    rt,
		dispatcher: rt.dispatcher,
		policy:     rt.policy,
		codec:      rt.codec,
		metrics:    rt.metrics,
		logger:     rt.logger,
	}
}

// Execute processes one envelope to a terminal continuation. tracker and
// pauser may be nil.
func (e *Executor) Execute(ctx context.Context, endpoint string, lifecycle Lifecycle, tracker reliability.Tracker, pauser reliability.Pauser) error {
	env := lifecycle.Envelope()
	rt := e.runtime

	if env.IsExpired(rt.now()) {
		e.logger.Info("discarding expired envelope",
			"envelopeId", env.ID,
			"messageType", env.MessageType,
			"deliverBy", env.DeliverBy)
		e.metrics.EnvelopeDiscarded("expired", 1)
		return lifecycle.Complete(ctx)
	}

	msg, err := e.codec.Read(env)
	if err == nil && !e.dispatcher.HasHandler(env.MessageType) {
		err = fmt.Errorf("%w: %s", ErrNoHandler, env.MessageType)
	}
	if err != nil {
		mc := rt.handlerContext(env, pauser)
		e.metrics.EnvelopeDeadLettered(endpoint, env.MessageType)
		return (&MoveToDeadLetter{Err: err}).Execute(ctx, mc, lifecycle, rt.now())
	}

	for {
		env.RecordAttempt(env.Attempts + 1)
		mc := rt.handlerContext(env, pauser)

		start := time.Now()
		err := e.invoke(ctx, mc, env, msg)
		e.metrics.EnvelopeHandled(endpoint, env.MessageType, time.Since(start), err == nil, errorType(err))

		if tracker != nil {
			if err == nil {
				tracker.TagSuccess()
			} else {
				tracker.TagFailure(err)
			}
		}

		if err == nil {
			return SucceededContinuation{}.Execute(ctx, mc, lifecycle, rt.now())
		}

		if rbErr := mc.Rollback(ctx); rbErr != nil {
			e.logger.Warn("failed to roll back outgoing messages", "envelopeId", env.ID, "error", rbErr)
		}

		continuation := e.policy.DetermineContinuation(env, err)
		e.logger.Warn("handler failed",
			"envelopeId", env.ID,
			"messageType", env.MessageType,
			"attempts", env.Attempts,
			"continuation", continuation.String(),
			"error", err)

		retry, rest := splitInline(continuation)
		if retry != nil && isTerminal(rest) {
			retry = nil
			rest = continuation
		}

		if rest != nil {
			if hasKind(rest, &MoveToDeadLetter{}) {
				e.metrics.EnvelopeDeadLettered(endpoint, env.MessageType)
			}
			if execErr := rest.Execute(ctx, mc, lifecycle, rt.now()); execErr != nil {
				return execErr
			}
		}
		if retry == nil {
			return nil
		}

		if sleepErr := sleep(ctx, retry.Delay); sleepErr != nil {
			// shutting down mid retry; give the envelope back
			return lifecycle.Defer(context.WithoutCancel(ctx))
		}
	}
}

func (e *Executor) invoke(ctx context.Context, mc *MessageContext, env *contracts.Envelope, msg any) (err error) {
	ctx, span := startHandleSpan(ctx, env)
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanicError{Value: r, Stack: string(debug.Stack())}
		}
		endSpan(span, err)
	}()
	return e.dispatcher.Dispatch(ContextWith(ctx, mc), env.MessageType, msg)
}

// isTerminal reports whether c gives the envelope up, which rules out an
// inline retry
func isTerminal(c Continuation) bool {
	return hasKind(c, &MoveToDeadLetter{}) || hasKind(c, Requeue{}) || hasKind(c, &ScheduleRetry{})
}

func hasKind(c Continuation, sample Continuation) bool {
	if c == nil {
		return false
	}
	want := kindOf(sample)
	if composite, ok := c.(*CompositeContinuation); ok {
		for _, m := range composite.Members {
			if kindOf(m) == want {
				return true
			}
		}
		return false
	}
	return kindOf(c) == want
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
