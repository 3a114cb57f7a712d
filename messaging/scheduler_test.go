package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/contracts"
)

type dispatchRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *dispatchRecorder) dispatch(ctx context.Context, env *contracts.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, env.ID)
	return nil
}

func (r *dispatchRecorder) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func scheduledFor(at time.Time) *contracts.Envelope {
	env := contracts.NewEnvelope(nil)
	env.ScheduleAt(at)
	return env
}

func TestLocalScheduler(t *testing.T) {
	t.Run("dispatches in due order", func(t *testing.T) {
		rec := &dispatchRecorder{}
		s := NewLocalScheduler(rec.dispatch, nil, discardLogger())

		now := time.Now()
		late := scheduledFor(now.Add(60 * time.Millisecond))
		early := scheduledFor(now.Add(20 * time.Millisecond))
		s.Schedule(late)
		s.Schedule(early)
		assert.Equal(t, 2, s.Count())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = s.Run(ctx) }()

		require.Eventually(t, func() bool { return len(rec.dispatched()) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{early.ID, late.ID}, rec.dispatched())
		assert.Zero(t, s.Count())
	})

	t.Run("new earlier items wake the loop", func(t *testing.T) {
		rec := &dispatchRecorder{}
		s := NewLocalScheduler(rec.dispatch, nil, discardLogger())
		s.Schedule(scheduledFor(time.Now().Add(time.Hour)))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = s.Run(ctx) }()

		soon := scheduledFor(time.Now().Add(10 * time.Millisecond))
		s.Schedule(soon)

		require.Eventually(t, func() bool { return len(rec.dispatched()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{soon.ID}, rec.dispatched())
		assert.Equal(t, 1, s.Count())
	})

	t.Run("envelopes without a time are due now", func(t *testing.T) {
		rec := &dispatchRecorder{}
		s := NewLocalScheduler(rec.dispatch, nil, discardLogger())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = s.Run(ctx) }()

		env := contracts.NewEnvelope(nil)
		s.Schedule(env)
		require.Eventually(t, func() bool { return len(rec.dispatched()) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("run returns when the context ends", func(t *testing.T) {
		s := NewLocalScheduler(func(context.Context, *contracts.Envelope) error { return errBoom }, nil, discardLogger())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
	})
}
