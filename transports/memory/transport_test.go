package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
)

type recordingReceiver struct {
	mu       sync.Mutex
	received []*contracts.Envelope
	err      error
}

func (r *recordingReceiver) Receive(ctx context.Context, l messaging.Listener, env *contracts.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.received = append(r.received, env)
	return nil
}

func (r *recordingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func TestTransport(t *testing.T) {
	ep := &messaging.Endpoint{URI: "local://orders"}

	t.Run("delivers sent envelopes to the listener", func(t *testing.T) {
		tr := New()
		sender, err := tr.Sender(ep)
		require.NoError(t, err)
		listener, err := tr.Listener(ep)
		require.NoError(t, err)

		recv := &recordingReceiver{}
		require.NoError(t, listener.Start(context.Background(), recv))
		defer listener.Stop()

		env := contracts.NewEnvelope(nil)
		env.Data = []byte(`{"a":1}`)
		require.NoError(t, sender.Send(context.Background(), env))

		require.Eventually(t, func() bool { return recv.count() == 1 }, time.Second, 5*time.Millisecond)
		got := recv.received[0]
		assert.Equal(t, env.ID, got.ID)
		assert.NotSame(t, env, got)
	})

	t.Run("holds envelopes until a listener starts", func(t *testing.T) {
		tr := New()
		sender, err := tr.Sender(ep)
		require.NoError(t, err)
		require.NoError(t, sender.Send(context.Background(), contracts.NewEnvelope(nil)))
		assert.Equal(t, 1, tr.Pending("LOCAL://Orders"))

		listener, err := tr.Listener(ep)
		require.NoError(t, err)
		recv := &recordingReceiver{}
		require.NoError(t, listener.Start(context.Background(), recv))
		defer listener.Stop()

		require.Eventually(t, func() bool { return recv.count() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("stop keeps envelopes queued", func(t *testing.T) {
		tr := New()
		sender, _ := tr.Sender(ep)
		listener, _ := tr.Listener(ep)
		recv := &recordingReceiver{}
		require.NoError(t, listener.Start(context.Background(), recv))
		require.NoError(t, listener.Stop())

		require.NoError(t, sender.Send(context.Background(), contracts.NewEnvelope(nil)))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, recv.count())
		assert.Equal(t, 1, tr.Pending(ep.URI))
	})

	t.Run("rejected envelopes go back to the queue", func(t *testing.T) {
		tr := New()
		sender, _ := tr.Sender(ep)
		listener, _ := tr.Listener(ep)
		recv := &recordingReceiver{err: messaging.ErrQueueDraining}
		require.NoError(t, listener.Start(context.Background(), recv))
		defer listener.Stop()

		require.NoError(t, sender.Send(context.Background(), contracts.NewEnvelope(nil)))
		require.Eventually(t, func() bool { return tr.Pending(ep.URI) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("closed transport refuses sends", func(t *testing.T) {
		tr := New()
		sender, _ := tr.Sender(ep)
		require.NoError(t, tr.Close())

		assert.ErrorIs(t, sender.Send(context.Background(), contracts.NewEnvelope(nil)), ErrTransportClosed)
		assert.ErrorIs(t, sender.Ping(context.Background()), ErrTransportClosed)
		_, err := tr.Listener(ep)
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("send honours context when the queue is full", func(t *testing.T) {
		tr := New(WithQueueCapacity(1))
		sender, _ := tr.Sender(ep)
		require.NoError(t, sender.Send(context.Background(), contracts.NewEnvelope(nil)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, sender.Send(ctx, contracts.NewEnvelope(nil)), context.DeadlineExceeded)
	})
}
