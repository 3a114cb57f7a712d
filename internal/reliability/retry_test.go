package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearBackOff(t *testing.T) {
	b := NewLinearBackOff(100*time.Millisecond, 250*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 250*time.Millisecond, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestRetryForever(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		var waits []time.Duration

		err := RetryForever(context.Background(), "load", time.Millisecond, 0,
			func(ctx context.Context) error {
				attempts++
				if attempts < 4 {
					return errors.New("storage unavailable")
				}
				return nil
			},
			func(err error, attempt int, wait time.Duration) {
				waits = append(waits, wait)
			})

		require.NoError(t, err)
		assert.Equal(t, 4, attempts)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, waits)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		fatal := errors.New("bad query")
		attempts := 0

		err := RetryForever(context.Background(), "load", time.Millisecond, 0,
			func(ctx context.Context) error {
				attempts++
				return Permanent(fatal)
			}, nil)

		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, attempts)
	})

	t.Run("gives up only when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		down := errors.New("down")

		err := RetryForever(ctx, "heartbeat", time.Millisecond, 5*time.Millisecond,
			func(ctx context.Context) error { return down }, nil)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "heartbeat", retryErr.Op)
		assert.Greater(t, retryErr.Attempts, 1)
		assert.ErrorIs(t, err, down)
	})
}
