package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/courier-go/contracts"
)

// Lifecycle is the worker queue's handle on one envelope in flight
type Lifecycle interface {
	Envelope() *contracts.Envelope
	// Complete finishes successful processing
	Complete(ctx context.Context) error
	// Defer hands the envelope back for another delivery
	Defer(ctx context.Context) error
	MoveToScheduled(ctx context.Context, at time.Time) error
	MoveToDeadLetter(ctx context.Context, err error) error
}

// Continuation is what happens to an envelope after its handler ran
type Continuation interface {
	Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error
	String() string
}

// SucceededContinuation flushes outgoing messages and completes the envelope
type SucceededContinuation struct{}

func (SucceededContinuation) Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error {
	env := lifecycle.Envelope()
	if err := mc.FlushOutgoing(ctx); err != nil {
		mc.logger().Error("failed to flush outgoing messages",
			"envelopeId", env.ID,
			"messageType", env.MessageType,
			"error", err)
		if env.ReplyURI != "" {
			_ = mc.SendFailureAcknowledgement(ctx, fmt.Sprintf("sending cascading messages failed: %v", err))
		}
		return lifecycle.MoveToDeadLetter(ctx, err)
	}

	if env.AckRequested && env.ReplyURI != "" {
		if err := mc.SendAcknowledgement(ctx); err != nil {
			mc.logger().Warn("failed to send acknowledgement", "envelopeId", env.ID, "error", err)
		}
	}

	if err := lifecycle.Complete(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", env, err)
	}
	mc.logger().Debug("envelope handled", "envelopeId", env.ID, "messageType", env.MessageType)
	return nil
}

func (SucceededContinuation) String() string { return "Succeeded" }

// RetryInline asks the executor to invoke the handler again after Delay
// without giving the envelope back
type RetryInline struct {
	Delay time.Duration
}

// Execute only waits; the executor owns the retry loop
func (r *RetryInline) Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error {
	return sleep(ctx, r.Delay)
}

func (r *RetryInline) String() string {
	return fmt.Sprintf("RetryInline(%s)", r.Delay)
}

// ScheduleRetry stores the envelope for execution after Delay
type ScheduleRetry struct {
	Delay time.Duration
}

func (s *ScheduleRetry) Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error {
	return lifecycle.MoveToScheduled(ctx, now.Add(s.Delay))
}

func (s *ScheduleRetry) String() string {
	return fmt.Sprintf("ScheduleRetry(%s)", s.Delay)
}

// Requeue gives the envelope back for another delivery
type Requeue struct{}

func (Requeue) Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error {
	return lifecycle.Defer(ctx)
}

func (Requeue) String() string { return "Requeue" }

// PauseListener pauses the listener that delivered the envelope
type PauseListener struct {
	Duration time.Duration
}

func (p *PauseListener) Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error {
	if mc.pauser == nil {
		mc.logger().Warn("no listener to pause", "envelopeId", lifecycle.Envelope().ID)
		return nil
	}
	mc.pauser.Pause(p.Duration)
	return nil
}

func (p *PauseListener) String() string {
	return fmt.Sprintf("PauseListener(%s)", p.Duration)
}

// MoveToDeadLetter records the failure and removes the live envelope
type MoveToDeadLetter struct {
	Err error
}

func (m *MoveToDeadLetter) Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error {
	env := lifecycle.Envelope()
	if env.ReplyURI != "" {
		if err := mc.SendFailureAcknowledgement(ctx, failureText(m.Err)); err != nil {
			mc.logger().Warn("failed to send failure acknowledgement", "envelopeId", env.ID, "error", err)
		}
	}
	mc.logger().Error("moving envelope to dead letter storage",
		"envelopeId", env.ID,
		"messageType", env.MessageType,
		"attempts", env.Attempts,
		"error", m.Err)
	return lifecycle.MoveToDeadLetter(ctx, m.Err)
}

func (m *MoveToDeadLetter) String() string { return "MoveToDeadLetter" }

func failureText(err error) string {
	if err == nil {
		return "message processing failed"
	}
	return err.Error()
}

// CompositeContinuation runs every member in order and joins their errors
type CompositeContinuation struct {
	Members []Continuation
}

// Composite flattens nested composites
func Composite(members ...Continuation) Continuation {
	var flat []Continuation
	for _, m := range members {
		if c, ok := m.(*CompositeContinuation); ok {
			flat = append(flat, c.Members...)
			continue
		}
		if m != nil {
			flat = append(flat, m)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &CompositeContinuation{Members: flat}
}

func (c *CompositeContinuation) Execute(ctx context.Context, mc *MessageContext, lifecycle Lifecycle, now time.Time) error {
	var errs []error
	for _, m := range c.Members {
		if err := m.Execute(ctx, mc, lifecycle, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *CompositeContinuation) String() string {
	names := make([]string, len(c.Members))
	for i, m := range c.Members {
		names[i] = m.String()
	}
	return "Composite(" + strings.Join(names, ", ") + ")"
}

// splitInline separates an inline retry from the rest of a continuation
func splitInline(c Continuation) (retry *RetryInline, rest Continuation) {
	switch v := c.(type) {
	case *RetryInline:
		return v, nil
	case *CompositeContinuation:
		var others []Continuation
		for _, m := range v.Members {
			if r, ok := m.(*RetryInline); ok && retry == nil {
				retry = r
				continue
			}
			others = append(others, m)
		}
		if retry == nil {
			return nil, c
		}
		if len(others) == 0 {
			return retry, nil
		}
		return retry, Composite(others...)
	default:
		return nil, c
	}
}

func kindOf(c Continuation) string {
	return fmt.Sprintf("%T", c)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
