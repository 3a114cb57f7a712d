package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/contracts"
)

type validationError struct{ field string }

func (e *validationError) Error() string { return "invalid " + e.field }

var errTimeout = errors.New("timeout")

func attempt(n int, messageType string) *contracts.Envelope {
	env := contracts.NewEnvelope(nil)
	env.MessageType = messageType
	env.Attempts = n
	return env
}

func TestFailurePolicyResolution(t *testing.T) {
	t.Run("no rules dead letters", func(t *testing.T) {
		p := NewFailurePolicy(0)
		c := p.DetermineContinuation(attempt(1, "orders"), errBoom)
		dl, ok := c.(*MoveToDeadLetter)
		require.True(t, ok)
		assert.ErrorIs(t, dl.Err, errBoom)
	})

	t.Run("attempt cap overrides every rule", func(t *testing.T) {
		p := NewFailurePolicy(3)
		p.OnError(MatchAll()).RetryInline(0, 0, 0, 0)
		assert.IsType(t, &RetryInline{}, p.DetermineContinuation(attempt(2, "orders"), errBoom))
		assert.IsType(t, &MoveToDeadLetter{}, p.DetermineContinuation(attempt(3, "orders"), errBoom))
	})

	t.Run("message type rules are consulted before global ones", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(MatchAll()).Requeue()
		p.ForMessageType("orders").OnError(ErrorIs(errTimeout)).ScheduleRetry(time.Second)

		assert.IsType(t, &ScheduleRetry{}, p.DetermineContinuation(attempt(1, "orders"), errTimeout))
		assert.IsType(t, Requeue{}, p.DetermineContinuation(attempt(1, "orders"), errBoom))
		assert.IsType(t, Requeue{}, p.DetermineContinuation(attempt(1, "payments"), errTimeout))
	})

	t.Run("several matches compose in registration order", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(MatchAll()).Requeue()
		p.OnError(ErrorIs(errBoom)).PauseListener(time.Minute)

		c := p.DetermineContinuation(attempt(1, "orders"), errBoom)
		composite, ok := c.(*CompositeContinuation)
		require.True(t, ok)
		require.Len(t, composite.Members, 2)
		assert.IsType(t, Requeue{}, composite.Members[0])
		assert.Equal(t, &PauseListener{Duration: time.Minute}, composite.Members[1])
	})

	t.Run("the later registration of a kind wins", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(MatchAll()).ScheduleRetry(time.Second)
		p.OnError(MatchAll()).ScheduleRetry(time.Minute)

		c := p.DetermineContinuation(attempt(1, "orders"), errBoom)
		assert.Equal(t, &ScheduleRetry{Delay: time.Minute}, c)
	})

	t.Run("typed error matcher", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(ErrorAs[*validationError]()).MoveToDeadLetter()
		p.OnError(Not(ErrorAs[*validationError]())).Requeue()

		wrapped := &validationError{field: "qty"}
		assert.IsType(t, &MoveToDeadLetter{}, p.DetermineContinuation(attempt(1, "orders"), wrapped))
		assert.IsType(t, Requeue{}, p.DetermineContinuation(attempt(1, "orders"), errTimeout))
	})

	t.Run("custom sources take part", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.AddSource(NewRuleSource().Add(MessageContains("deadlock"), func(env *contracts.Envelope, err error) Continuation {
			return &RetryInline{Delay: time.Duration(env.Attempts) * time.Millisecond}
		}))

		c := p.DetermineContinuation(attempt(2, "orders"), errors.New("deadlock detected"))
		assert.Equal(t, &RetryInline{Delay: 2 * time.Millisecond}, c)
		assert.IsType(t, &MoveToDeadLetter{}, p.DetermineContinuation(attempt(2, "orders"), errBoom))
	})
}

func TestPolicyExpressionSlots(t *testing.T) {
	t.Run("each delay covers one attempt", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(MatchAll()).
			RetryInline(10*time.Millisecond).
			ScheduleRetry(time.Second, 5*time.Second)

		assert.Equal(t, &RetryInline{Delay: 10 * time.Millisecond}, p.DetermineContinuation(attempt(1, "x"), errBoom))
		assert.Equal(t, &ScheduleRetry{Delay: time.Second}, p.DetermineContinuation(attempt(2, "x"), errBoom))
		assert.Equal(t, &ScheduleRetry{Delay: 5 * time.Second}, p.DetermineContinuation(attempt(3, "x"), errBoom))
		assert.IsType(t, &MoveToDeadLetter{}, p.DetermineContinuation(attempt(4, "x"), errBoom))
	})

	t.Run("terminal action covers the remaining attempts", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(MatchAll()).RetryTimes(2).Requeue()

		assert.IsType(t, &RetryInline{}, p.DetermineContinuation(attempt(1, "x"), errBoom))
		assert.IsType(t, &RetryInline{}, p.DetermineContinuation(attempt(2, "x"), errBoom))
		assert.IsType(t, Requeue{}, p.DetermineContinuation(attempt(3, "x"), errBoom))
		assert.IsType(t, Requeue{}, p.DetermineContinuation(attempt(7, "x"), errBoom))
	})

	t.Run("and pause listener decorates the previous group", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(MatchAll()).
			RetryInline(0).
			ScheduleRetry(time.Second).AndPauseListener(time.Minute)

		assert.IsType(t, &RetryInline{}, p.DetermineContinuation(attempt(1, "x"), errBoom))

		c := p.DetermineContinuation(attempt(2, "x"), errBoom)
		composite, ok := c.(*CompositeContinuation)
		require.True(t, ok)
		assert.Equal(t, []Continuation{
			&ScheduleRetry{Delay: time.Second},
			&PauseListener{Duration: time.Minute},
		}, composite.Members)
	})

	t.Run("pause listener tail requeues", func(t *testing.T) {
		p := NewFailurePolicy(10)
		p.OnError(MatchAll()).PauseListener(30 * time.Second)

		c := p.DetermineContinuation(attempt(1, "x"), errBoom)
		assert.Equal(t, "Composite(Requeue, PauseListener(30s))", c.String())
	})
}

func TestSplitInline(t *testing.T) {
	retry := &RetryInline{Delay: time.Second}

	r, rest := splitInline(retry)
	assert.Same(t, retry, r)
	assert.Nil(t, rest)

	r, rest = splitInline(Composite(retry, &PauseListener{Duration: time.Minute}))
	assert.Same(t, retry, r)
	assert.Equal(t, &PauseListener{Duration: time.Minute}, rest)

	r, rest = splitInline(Requeue{})
	assert.Nil(t, r)
	assert.Equal(t, Requeue{}, rest)

	assert.True(t, isTerminal(Composite(retry, Requeue{})))
	assert.False(t, isTerminal(Composite(retry, &PauseListener{})))
}
