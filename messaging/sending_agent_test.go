package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence/memory"
)

func outgoingEnvelope(uri string) *contracts.Envelope {
	env := contracts.NewEnvelope(nil)
	env.MessageType = "messaging.shipOrder"
	env.Data = []byte(`{}`)
	env.Destination = uri
	return env
}

func TestDurableSendingAgent(t *testing.T) {
	ctx := context.Background()
	const uri = "local://remote"

	setup := func(t *testing.T) (*DurableSendingAgent, *fakeSender, *memory.Store) {
		tr := newFakeTransport(LocalScheme)
		store := memory.NewStore()
		rt := newTestRuntime(t, WithTransport(tr), WithStore(store))
		sender := tr.sender(uri)
		return newDurableSendingAgent(rt, sender), sender, store
	}

	t.Run("sent envelopes leave the outbox", func(t *testing.T) {
		agent, sender, store := setup(t)
		env := outgoingEnvelope(uri)
		require.NoError(t, store.StoreOutgoing(ctx, env, 1))

		require.NoError(t, agent.Enqueue(ctx, env))

		assert.Equal(t, []string{env.ID}, sender.sentIDs())
		rows, err := store.AllOutgoing(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("failed sends are released to any node", func(t *testing.T) {
		agent, sender, store := setup(t)
		sender.fail(errBoom)
		env := outgoingEnvelope(uri)
		require.NoError(t, store.StoreOutgoing(ctx, env, 1))

		err := agent.Enqueue(ctx, env)
		assert.ErrorIs(t, err, errBoom)

		rows, err := store.AllOutgoing(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, contracts.AnyNode, rows[0].OwnerID)
	})

	t.Run("expired envelopes are deleted unsent", func(t *testing.T) {
		agent, sender, store := setup(t)
		env := outgoingEnvelope(uri)
		past := time.Now().Add(-time.Minute)
		env.DeliverBy = &past
		require.NoError(t, store.StoreOutgoing(ctx, env, 1))

		require.NoError(t, agent.Enqueue(ctx, env))

		assert.Empty(t, sender.sentIDs())
		rows, err := store.AllOutgoing(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	assert.True(t, (&DurableSendingAgent{}).IsDurable())
}

func TestBufferedSendingAgent(t *testing.T) {
	ctx := context.Background()
	const uri = "local://flaky"

	settings := SenderSettings{
		FailuresBeforeLatch:         2,
		MaximumEnvelopeRetryStorage: 3,
		PingInitialInterval:         5 * time.Millisecond,
		PingMaxInterval:             20 * time.Millisecond,
	}

	setup := func(t *testing.T) (*BufferedSendingAgent, *fakeSender) {
		tr := newFakeTransport(LocalScheme)
		rt := newTestRuntime(t, WithTransport(tr))
		sender := tr.sender(uri)
		agent := newBufferedSendingAgent(ctx, rt, sender, settings)
		t.Cleanup(func() { _ = agent.Close() })
		return agent, sender
	}

	t.Run("sends straight through while healthy", func(t *testing.T) {
		agent, sender := setup(t)
		env := outgoingEnvelope(uri)
		require.NoError(t, agent.Enqueue(ctx, env))
		assert.Equal(t, []string{env.ID}, sender.sentIDs())
		assert.False(t, agent.Latched())
		assert.False(t, agent.IsDurable())
	})

	t.Run("a single failure is replayed after the next success", func(t *testing.T) {
		agent, sender := setup(t)
		first, second := outgoingEnvelope(uri), outgoingEnvelope(uri)

		sender.fail(errBoom)
		assert.Error(t, agent.Enqueue(ctx, first))
		assert.Equal(t, 1, agent.Buffered())
		assert.False(t, agent.Latched())

		sender.fail(nil)
		require.NoError(t, agent.Enqueue(ctx, second))

		assert.Eventually(t, func() bool {
			return len(sender.sentIDs()) == 2
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{second.ID, first.ID}, sender.sentIDs())
		assert.Zero(t, agent.Buffered())
	})

	t.Run("latches, drops the oldest beyond storage and replays in order", func(t *testing.T) {
		agent, sender := setup(t)
		sender.fail(errBoom)

		envs := make([]*contracts.Envelope, 5)
		for i := range envs {
			envs[i] = outgoingEnvelope(uri)
		}

		assert.Error(t, agent.Enqueue(ctx, envs[0]))
		assert.Error(t, agent.Enqueue(ctx, envs[1]))
		require.Eventually(t, agent.Latched, time.Second, time.Millisecond)

		for _, env := range envs[2:] {
			require.NoError(t, agent.Enqueue(ctx, env), "latched agents buffer silently")
		}
		assert.Equal(t, 3, agent.Buffered())
		assert.Empty(t, sender.sentIDs())

		sender.fail(nil)
		require.Eventually(t, func() bool { return !agent.Latched() }, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, []string{envs[2].ID, envs[3].ID, envs[4].ID}, sender.sentIDs())
		assert.Zero(t, agent.Buffered())

		late := outgoingEnvelope(uri)
		require.NoError(t, agent.Enqueue(ctx, late))
		assert.Len(t, sender.sentIDs(), 4)
	})

	t.Run("expired envelopes are dropped", func(t *testing.T) {
		agent, sender := setup(t)
		env := outgoingEnvelope(uri)
		past := time.Now().Add(-time.Second)
		env.DeliverBy = &past

		require.NoError(t, agent.Enqueue(ctx, env))
		assert.Empty(t, sender.sentIDs())
		assert.Zero(t, agent.Buffered())
	})
}
