//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/glimte/courier-go/contracts"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("courier"),
		tcpostgres.WithUsername("courier"),
		tcpostgres.WithPassword("courier"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrating twice is a no-op")
	return store
}

func TestPostgresStoreIntegration(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	t.Run("scheduled jobs are loaded once", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))
		env := contracts.NewEnvelope(nil)
		env.Data = []byte(`{}`)
		env.ScheduleAt(time.Now().Add(-time.Second))
		require.NoError(t, store.ScheduleJob(ctx, env))

		first, err := store.LoadReadyScheduled(ctx, time.Now(), 1, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, contracts.StatusIncoming, first[0].Status)

		second, err := store.LoadReadyScheduled(ctx, time.Now(), 2, 10)
		require.NoError(t, err)
		assert.Empty(t, second)
	})

	t.Run("racing claims are exclusive", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))
		const total = 40
		for i := 0; i < total; i++ {
			env := contracts.NewEnvelope(nil)
			env.Destination = "local://orders"
			require.NoError(t, store.StoreOutgoing(ctx, env, 9))
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed = make(map[string]int)
		)
		for node := 1; node <= 2; node++ {
			wg.Add(1)
			go func(node int) {
				defer wg.Done()
				for {
					envs, err := store.ClaimOutgoing(ctx, 9, node, 5)
					if !assert.NoError(t, err) || len(envs) == 0 {
						return
					}
					mu.Lock()
					for _, env := range envs {
						claimed[env.ID]++
					}
					mu.Unlock()
				}
			}(node)
		}
		wg.Wait()

		assert.Len(t, claimed, total)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "envelope %s claimed more than once", id)
		}
	})

	t.Run("dead letter round trip", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))
		env := contracts.NewEnvelope(nil)
		env.MessageType = "orders.placed"
		env.Data = []byte(`{"id":1}`)
		require.NoError(t, store.StoreIncoming(ctx, env))
		require.NoError(t, store.MoveToDeadLetter(ctx, env, contracts.NewErrorReport(env, assert.AnError)))

		reports, err := store.AllDeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, reports, 1)

		rebuilt, err := reports[0].RebuildEnvelope()
		require.NoError(t, err)
		assert.Equal(t, env.ID, rebuilt.ID)
		assert.Equal(t, env.Data, rebuilt.Data)

		counts, err := store.GetPersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, counts.Incoming)
		assert.Equal(t, 1, counts.DeadLetter)
	})
}
