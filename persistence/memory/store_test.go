package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence"
)

func incoming(owner int) *contracts.Envelope {
	env := contracts.NewEnvelope(nil)
	env.Data = []byte("{}")
	env.MarkIncoming()
	env.OwnerID = owner
	return env
}

func TestStoreIncoming(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate ids are reported and not stored again", func(t *testing.T) {
		store := NewStore()
		env := incoming(1)
		require.NoError(t, store.StoreIncoming(ctx, env))

		other := incoming(2)
		err := store.StoreIncoming(ctx, env, other)
		assert.ErrorIs(t, err, persistence.ErrDuplicateIncoming)

		all, err := store.AllIncoming(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2, "the new envelope in the batch is still stored")
		for _, stored := range all {
			if stored.ID == env.ID {
				assert.Equal(t, 1, stored.OwnerID)
			}
		}
	})

	t.Run("scheduled without execution time is refused", func(t *testing.T) {
		store := NewStore()
		env := incoming(1)
		env.Status = contracts.StatusScheduled

		err := store.StoreIncoming(ctx, env)
		assert.ErrorIs(t, err, contracts.ErrMissingExecutionTime)
	})

	t.Run("attempts only go up", func(t *testing.T) {
		store := NewStore()
		env := incoming(1)
		require.NoError(t, store.StoreIncoming(ctx, env))

		env.Attempts = 3
		require.NoError(t, store.IncrementAttempts(ctx, env))
		env.Attempts = 1
		require.NoError(t, store.IncrementAttempts(ctx, env))

		all, err := store.AllIncoming(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 3, all[0].Attempts)
	})

	t.Run("increment on missing envelope", func(t *testing.T) {
		store := NewStore()
		err := store.IncrementAttempts(ctx, incoming(1))
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("dead letter replaces the live row", func(t *testing.T) {
		store := NewStore()
		env := incoming(1)
		require.NoError(t, store.StoreIncoming(ctx, env))
		require.NoError(t, store.MoveToDeadLetter(ctx, env, contracts.NewErrorReport(env, assert.AnError)))

		counts, err := store.GetPersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, persistence.PersistedCounts{DeadLetter: 1}, counts)

		reports, err := store.AllDeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, env.ID, reports[0].ID)
	})
}

func TestScheduledJobs(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	due := contracts.NewEnvelope(nil)
	due.ScheduleAt(now.Add(-time.Second))
	later := contracts.NewEnvelope(nil)
	later.ScheduleAt(now.Add(time.Hour))

	require.NoError(t, store.ScheduleJob(ctx, due))
	require.NoError(t, store.ScheduleJob(ctx, later))

	counts, err := store.GetPersistedCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Scheduled)

	ready, err := store.LoadReadyScheduled(ctx, now, 7, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, due.ID, ready[0].ID)
	assert.Equal(t, contracts.StatusIncoming, ready[0].Status)
	assert.Equal(t, 7, ready[0].OwnerID)

	again, err := store.LoadReadyScheduled(ctx, now, 8, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "a loaded job is not handed out twice")
}

func TestOwnershipRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("release returns rows to any node", func(t *testing.T) {
		store := NewStore()
		require.NoError(t, store.StoreIncoming(ctx, incoming(3), incoming(3), incoming(4)))
		out := contracts.NewEnvelope(nil)
		require.NoError(t, store.StoreOutgoing(ctx, out, 3))

		owners, err := store.Owners(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 4}, owners)

		require.NoError(t, store.ReleaseOwnership(ctx, 3))
		owners, err = store.Owners(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{4}, owners)

		claimed, err := store.ClaimOutgoing(ctx, contracts.AnyNode, 5, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 5, claimed[0].OwnerID)
	})

	t.Run("single envelopes can be released", func(t *testing.T) {
		store := NewStore()
		kept, released := incoming(3), incoming(3)
		require.NoError(t, store.StoreIncoming(ctx, kept, released))
		require.NoError(t, store.ReleaseIncoming(ctx, released, incoming(3)))

		claimed, err := store.ClaimIncoming(ctx, contracts.AnyNode, 5, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, released.ID, claimed[0].ID)

		owners, err := store.Owners(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 5}, owners)
	})

	t.Run("claims respect the limit", func(t *testing.T) {
		store := NewStore()
		for i := 0; i < 5; i++ {
			require.NoError(t, store.StoreIncoming(ctx, incoming(9)))
		}
		first, err := store.ClaimIncoming(ctx, 9, 1, 3)
		require.NoError(t, err)
		assert.Len(t, first, 3)

		rest, err := store.ClaimIncoming(ctx, 9, 1, 3)
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})

	t.Run("two nodes racing for the same rows never both win", func(t *testing.T) {
		store := NewStore()
		const total = 50
		for i := 0; i < total; i++ {
			require.NoError(t, store.StoreIncoming(ctx, incoming(9)))
		}

		var wg sync.WaitGroup
		results := make([][]*contracts.Envelope, 2)
		for n := 0; n < 2; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				claimed, err := store.ClaimIncoming(ctx, 9, n+1, 0)
				assert.NoError(t, err)
				results[n] = claimed
			}(n)
		}
		wg.Wait()

		assert.Equal(t, total, len(results[0])+len(results[1]))
		assert.True(t, len(results[0]) == 0 || len(results[1]) == 0,
			"one claimer takes everything, the loser sees no rows")

		seen := make(map[string]bool)
		for _, claimed := range results {
			for _, env := range claimed {
				assert.False(t, seen[env.ID])
				seen[env.ID] = true
			}
		}
	})

	t.Run("discard and reassign outgoing", func(t *testing.T) {
		store := NewStore()
		expired := contracts.NewEnvelope(nil)
		keep := contracts.NewEnvelope(nil)
		require.NoError(t, store.StoreOutgoing(ctx, expired, 2))
		require.NoError(t, store.StoreOutgoing(ctx, keep, 2))

		require.NoError(t, store.DiscardAndReassignOutgoing(ctx,
			[]*contracts.Envelope{expired}, []*contracts.Envelope{keep}, contracts.AnyNode))

		all, err := store.AllOutgoing(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, keep.ID, all[0].ID)
		assert.Equal(t, contracts.AnyNode, all[0].OwnerID)
	})
}

func TestTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commit applies staged writes", func(t *testing.T) {
		store := NewStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)

		require.NoError(t, tx.StoreOutgoing(ctx, contracts.NewEnvelope(nil), 1))
		scheduled := contracts.NewEnvelope(nil)
		scheduled.ScheduleAt(time.Now().Add(time.Minute))
		require.NoError(t, tx.ScheduleJob(ctx, scheduled))

		counts, _ := store.GetPersistedCounts(ctx)
		assert.True(t, counts.IsEmpty(), "nothing visible before commit")

		require.NoError(t, tx.Commit(ctx))
		counts, _ = store.GetPersistedCounts(ctx)
		assert.Equal(t, 1, counts.Outgoing)
		assert.Equal(t, 1, counts.Scheduled)

		assert.ErrorIs(t, tx.Commit(ctx), persistence.ErrTxClosed)
	})

	t.Run("rollback discards", func(t *testing.T) {
		store := NewStore()
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.StoreOutgoing(ctx, contracts.NewEnvelope(nil), 1))
		require.NoError(t, tx.Rollback(ctx))

		counts, _ := store.GetPersistedCounts(ctx)
		assert.True(t, counts.IsEmpty())
		assert.ErrorIs(t, tx.StoreOutgoing(ctx, contracts.NewEnvelope(nil), 1), persistence.ErrTxClosed)
	})
}
