package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/contracts"
)

type countingTracker struct {
	successes atomic.Int32
	failures  atomic.Int32
}

func (c *countingTracker) TagSuccess()        { c.successes.Add(1) }
func (c *countingTracker) TagFailure(_ error) { c.failures.Add(1) }

func TestExecutorAttempts(t *testing.T) {
	ctx := context.Background()

	t.Run("dead letters once the attempt cap is reached", func(t *testing.T) {
		rt := newTestRuntime(t)
		rt.Policy().OnError(MatchAll()).RetryInline(0, 0, 0, 0, 0)

		var calls atomic.Int32
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			calls.Add(1)
			return errBoom
		})
		require.NoError(t, err)

		env := envelopeFor(t, rt, orderPlaced{OrderID: "1"})
		lc := newFakeLifecycle(env)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.Equal(t, int32(DefaultMaximumAttempts), calls.Load())
		assert.Equal(t, DefaultMaximumAttempts, env.Attempts)
		assert.ErrorIs(t, lc.deadLettered, errBoom)
		assert.Zero(t, lc.completed)
	})

	t.Run("inline retry recovers", func(t *testing.T) {
		rt := newTestRuntime(t)
		rt.Policy().OnError(MatchAll()).RetryInline(time.Millisecond)

		var calls atomic.Int32
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			if calls.Add(1) == 1 {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)

		env := envelopeFor(t, rt, orderPlaced{OrderID: "1"})
		lc := newFakeLifecycle(env)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 2, env.Attempts)
		assert.Equal(t, 1, lc.completed)
		assert.Nil(t, lc.deadLettered)
	})

	t.Run("an envelope arriving with attempts continues counting", func(t *testing.T) {
		rt := newTestRuntime(t)
		rt.Policy().OnError(MatchAll()).Requeue()
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error { return errBoom })
		require.NoError(t, err)

		env := envelopeFor(t, rt, orderPlaced{})
		env.Attempts = 2
		lc := newFakeLifecycle(env)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.Equal(t, 3, env.Attempts)
		assert.Error(t, lc.deadLettered)
		assert.Zero(t, lc.deferred)
	})
}

func TestExecutorContinuations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	failing := func(t *testing.T, rt *Runtime, err error) {
		t.Helper()
		_, regErr := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error { return err })
		require.NoError(t, regErr)
	}

	t.Run("no matching rule dead letters", func(t *testing.T) {
		rt := newTestRuntime(t)
		failing(t, rt, errBoom)

		env := envelopeFor(t, rt, orderPlaced{})
		lc := newFakeLifecycle(env)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.Equal(t, 1, env.Attempts)
		assert.ErrorIs(t, lc.deadLettered, errBoom)
	})

	t.Run("requeue defers the envelope", func(t *testing.T) {
		rt := newTestRuntime(t)
		rt.Policy().OnError(ErrorIs(errBoom)).Requeue()
		failing(t, rt, errBoom)

		lc := newFakeLifecycle(envelopeFor(t, rt, orderPlaced{}))
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.Equal(t, 1, lc.deferred)
		assert.Nil(t, lc.deadLettered)
	})

	t.Run("schedule retry moves the envelope to scheduled", func(t *testing.T) {
		rt := newTestRuntime(t, WithClock(clock))
		rt.Policy().OnError(MatchAll()).ScheduleRetry(5 * time.Second)
		failing(t, rt, errBoom)

		lc := newFakeLifecycle(envelopeFor(t, rt, orderPlaced{}))
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		require.NotNil(t, lc.scheduledAt)
		assert.Equal(t, now.Add(5*time.Second), *lc.scheduledAt)
	})

	t.Run("pause listener requeues and pauses", func(t *testing.T) {
		rt := newTestRuntime(t)
		rt.Policy().OnError(MatchAll()).PauseListener(time.Minute)
		failing(t, rt, errBoom)

		pauser := &pauseRecorder{}
		lc := newFakeLifecycle(envelopeFor(t, rt, orderPlaced{}))
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, pauser))

		assert.Equal(t, 1, lc.deferred)
		assert.Equal(t, []time.Duration{time.Minute}, pauser.pauses)
	})

	t.Run("handler panic goes through the policy", func(t *testing.T) {
		rt := newTestRuntime(t)
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			panic("kaput")
		})
		require.NoError(t, err)

		lc := newFakeLifecycle(envelopeFor(t, rt, orderPlaced{}))
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		var panicErr *HandlerPanicError
		require.ErrorAs(t, lc.deadLettered, &panicErr)
		assert.Equal(t, "kaput", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
	})

	t.Run("expired envelopes are discarded unhandled", func(t *testing.T) {
		rt := newTestRuntime(t, WithClock(clock))
		var calls atomic.Int32
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, err)

		env := envelopeFor(t, rt, orderPlaced{})
		env.DeliverWithin(-time.Second, now)
		lc := newFakeLifecycle(env)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.Zero(t, calls.Load())
		assert.Equal(t, 1, lc.completed)
	})

	t.Run("unknown message type is dead lettered", func(t *testing.T) {
		rt := newTestRuntime(t)
		lc := newFakeLifecycle(envelopeFor(t, rt, shipOrder{}))
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.ErrorIs(t, lc.deadLettered, ErrNoHandler)
	})

	t.Run("tracker sees every outcome", func(t *testing.T) {
		rt := newTestRuntime(t)
		rt.Policy().OnError(MatchAll()).RetryInline(0)
		var calls atomic.Int32
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			if calls.Add(1) == 1 {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)

		tracker := &countingTracker{}
		lc := newFakeLifecycle(envelopeFor(t, rt, orderPlaced{}))
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, tracker, nil))

		assert.Equal(t, int32(1), tracker.failures.Load())
		assert.Equal(t, int32(1), tracker.successes.Load())
	})

	t.Run("cancelled inline retry gives the envelope back", func(t *testing.T) {
		rt := newTestRuntime(t)
		rt.Policy().OnError(MatchAll()).RetryInline(time.Hour)

		cctx, cancel := context.WithCancel(ctx)
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			cancel()
			return errBoom
		})
		require.NoError(t, err)

		lc := newFakeLifecycle(envelopeFor(t, rt, orderPlaced{}))
		require.NoError(t, rt.executor.Execute(cctx, "local://orders", lc, nil, nil))
		assert.Equal(t, 1, lc.deferred)
	})
}

func TestExecutorOutgoing(t *testing.T) {
	ctx := context.Background()

	t.Run("cascading messages carry the correlation of the handled envelope", func(t *testing.T) {
		tr := newFakeTransport(LocalScheme)
		rt := newTestRuntime(t, WithTransport(tr), WithServiceName("orders"))
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			mc, ok := FromContext(ctx)
			require.True(t, ok)
			return mc.SendToDestination(ctx, "local://shipping", shipOrder{OrderID: m.OrderID})
		})
		require.NoError(t, err)

		parent := envelopeFor(t, rt, orderPlaced{OrderID: "42"})
		parent.CorrelationID = "corr-1"
		parent.SagaID = "saga-1"
		lc := newFakeLifecycle(parent)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))
		require.Equal(t, 1, lc.completed)

		sender := tr.sender("local://shipping")
		require.Len(t, sender.sent, 1)
		child := sender.sent[0]
		assert.Equal(t, "corr-1", child.CorrelationID)
		assert.Equal(t, parent.ID, child.CausationID)
		assert.Equal(t, parent.ID, child.ParentID)
		assert.Equal(t, "saga-1", child.SagaID)
		assert.Equal(t, "orders", child.Source)
		assert.Equal(t, "messaging.shipOrder", child.MessageType)
	})

	t.Run("messages from a failed attempt are discarded", func(t *testing.T) {
		tr := newFakeTransport(LocalScheme)
		rt := newTestRuntime(t, WithTransport(tr))
		rt.Policy().OnError(MatchAll()).RetryInline(0)

		var calls atomic.Int32
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			mc, _ := FromContext(ctx)
			if err := mc.SendToDestination(ctx, "local://shipping", shipOrder{}); err != nil {
				return err
			}
			if calls.Add(1) == 1 {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)

		lc := newFakeLifecycle(envelopeFor(t, rt, orderPlaced{}))
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		assert.Len(t, tr.sender("local://shipping").sent, 1)
	})

	t.Run("failure acknowledgement goes to the reply address", func(t *testing.T) {
		tr := newFakeTransport(LocalScheme)
		rt := newTestRuntime(t, WithTransport(tr))
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error {
			return errors.New("invalid order")
		})
		require.NoError(t, err)

		env := envelopeFor(t, rt, orderPlaced{})
		env.ReplyURI = "local://replies"
		lc := newFakeLifecycle(env)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		sent := tr.sender("local://replies").sent
		require.Len(t, sent, 1)
		ack, ok := sent[0].Message.(contracts.FailureAcknowledgement)
		require.True(t, ok)
		assert.Equal(t, env.ID, ack.CorrelationID)
		assert.Equal(t, "invalid order", ack.Message)
	})

	t.Run("acknowledgement is sent when requested", func(t *testing.T) {
		tr := newFakeTransport(LocalScheme)
		rt := newTestRuntime(t, WithTransport(tr))
		_, err := Handle(rt.Dispatcher(), func(ctx context.Context, m orderPlaced) error { return nil })
		require.NoError(t, err)

		env := envelopeFor(t, rt, orderPlaced{})
		env.ReplyURI = "local://replies"
		env.AckRequested = true
		lc := newFakeLifecycle(env)
		require.NoError(t, rt.executor.Execute(ctx, "local://orders", lc, nil, nil))

		sent := tr.sender("local://replies").sent
		require.Len(t, sent, 1)
		assert.Equal(t, "courier.acknowledgement", sent[0].MessageType)
		assert.Equal(t, 1, lc.completed)
	})
}
