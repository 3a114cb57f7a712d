package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeLifecycle(t *testing.T) {
	t.Run("new envelope has identity and no status", func(t *testing.T) {
		env := NewEnvelope("payload")
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, Status(""), env.Status)
		assert.Equal(t, 0, env.Attempts)
		assert.NoError(t, env.Validate())
	})

	t.Run("scheduling always sets the execution time", func(t *testing.T) {
		env := NewEnvelope("payload")
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		env.ScheduleDelayed(time.Minute, now)

		assert.Equal(t, StatusScheduled, env.Status)
		require.NotNil(t, env.ScheduledTime)
		assert.Equal(t, now.Add(time.Minute), *env.ScheduledTime)
		assert.NoError(t, env.Validate())
		assert.False(t, env.IsScheduledReady(now))
		assert.True(t, env.IsScheduledReady(now.Add(time.Minute)))
	})

	t.Run("scheduled without execution time is invalid", func(t *testing.T) {
		env := NewEnvelope("payload")
		env.Status = StatusScheduled

		err := env.Validate()
		assert.True(t, errors.Is(err, ErrMissingExecutionTime))
	})

	t.Run("outgoing envelopes drop their inbox state", func(t *testing.T) {
		env := NewEnvelope("payload")
		due := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		env.ScheduleAt(due)
		env.MarkOutgoing()

		assert.Equal(t, Status(""), env.Status)
		assert.False(t, env.IsScheduledReady(due))
		assert.NoError(t, env.Validate())
	})

	t.Run("attempts never decrease", func(t *testing.T) {
		env := NewEnvelope("payload")
		env.RecordAttempt(3)
		env.RecordAttempt(1)
		assert.Equal(t, 3, env.Attempts)
	})

	t.Run("expiry", func(t *testing.T) {
		env := NewEnvelope("payload")
		now := time.Now()
		assert.False(t, env.IsExpired(now))

		env.DeliverWithin(time.Second, now)
		assert.False(t, env.IsExpired(now))
		assert.True(t, env.IsExpired(now.Add(2*time.Second)))
	})
}

func TestEnvelopeCorrelation(t *testing.T) {
	parent := NewEnvelope("incoming")
	parent.CorrelationID = "corr-1"
	parent.SagaID = "saga-9"
	parent.ReplyURI = "rabbitmq://queue/replies"

	t.Run("child inherits correlation from parent", func(t *testing.T) {
		child := parent.ForSend("outgoing", "billing")

		assert.NotEqual(t, parent.ID, child.ID)
		assert.Equal(t, "corr-1", child.CorrelationID)
		assert.Equal(t, parent.ID, child.CausationID)
		assert.Equal(t, parent.ID, child.ConversationID)
		assert.Equal(t, parent.ID, child.ParentID)
		assert.Equal(t, "saga-9", child.SagaID)
		assert.Equal(t, "billing", child.Source)
	})

	t.Run("response goes to reply uri", func(t *testing.T) {
		resp := parent.CreateForResponse("reply", "billing")
		assert.Equal(t, "rabbitmq://queue/replies", resp.Destination)
		assert.Equal(t, parent.ID, resp.CausationID)
	})

	t.Run("parent without correlation id seeds it with its own id", func(t *testing.T) {
		root := NewEnvelope("root")
		child := root.ForSend("next", "svc")
		assert.Equal(t, root.ID, child.CorrelationID)
	})
}

func TestEnvelopeClone(t *testing.T) {
	env := NewEnvelope("payload")
	env.SetHeader("tenant", "a")
	env.Data = []byte("abc")
	env.ScheduleAt(time.Now())

	c := env.Clone()
	c.Headers["tenant"] = "b"
	c.Data[0] = 'z'
	*c.ScheduledTime = c.ScheduledTime.Add(time.Hour)

	assert.Equal(t, "a", env.Headers["tenant"])
	assert.Equal(t, byte('a'), env.Data[0])
	assert.NotEqual(t, *env.ScheduledTime, *c.ScheduledTime)
}

func TestWireHeaders(t *testing.T) {
	t.Run("metadata survives the wire", func(t *testing.T) {
		deliverBy := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
		env := NewEnvelope(nil)
		env.CorrelationID = "c"
		env.CausationID = "ca"
		env.ConversationID = "co"
		env.ParentID = "p"
		env.Source = "svc"
		env.SagaID = "s"
		env.ReplyURI = "local://replies"
		env.ContentType = "application/json"
		env.MessageType = "orders.created"
		env.Attempts = 2
		env.AckRequested = true
		env.DeliverBy = &deliverBy
		env.ScheduleAt(deliverBy.Add(-time.Minute))
		env.SetHeader("traceparent", "00-abc-def-01")

		back, err := FromHeaders(ToHeaders(env), []byte(`{"a":1}`))
		require.NoError(t, err)

		assert.Equal(t, env.ID, back.ID)
		assert.Equal(t, env.CorrelationID, back.CorrelationID)
		assert.Equal(t, env.CausationID, back.CausationID)
		assert.Equal(t, env.ConversationID, back.ConversationID)
		assert.Equal(t, env.ParentID, back.ParentID)
		assert.Equal(t, env.Source, back.Source)
		assert.Equal(t, env.SagaID, back.SagaID)
		assert.Equal(t, env.ReplyURI, back.ReplyURI)
		assert.Equal(t, env.ContentType, back.ContentType)
		assert.Equal(t, env.MessageType, back.MessageType)
		assert.Equal(t, 2, back.Attempts)
		assert.True(t, back.AckRequested)
		assert.True(t, env.DeliverBy.Equal(*back.DeliverBy))
		assert.True(t, env.ScheduledTime.Equal(*back.ScheduledTime))
		assert.Equal(t, "00-abc-def-01", back.Headers["traceparent"])
		assert.Equal(t, []byte(`{"a":1}`), back.Data)
	})

	t.Run("missing id is rejected", func(t *testing.T) {
		_, err := FromHeaders(map[string]string{HeaderSource: "svc"}, nil)
		assert.ErrorIs(t, err, ErrMissingID)
	})

	t.Run("bad time is rejected", func(t *testing.T) {
		_, err := FromHeaders(map[string]string{HeaderID: "1", HeaderDeliverBy: "tomorrow"}, nil)
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})
}

func TestErrorReport(t *testing.T) {
	env := NewEnvelope(nil)
	env.MessageType = "orders.created"
	env.Data = []byte("body")
	env.Attempts = 3

	report := NewErrorReport(env, errors.New("boom"))
	assert.Equal(t, env.ID, report.ID)
	assert.Equal(t, "*errors.errorString", report.ExceptionType)
	assert.Equal(t, "boom", report.ExceptionMessage)
	assert.NotEmpty(t, report.Stack)

	rebuilt, err := report.RebuildEnvelope()
	require.NoError(t, err)
	assert.Equal(t, env.ID, rebuilt.ID)
	assert.Equal(t, 3, rebuilt.Attempts)
	assert.Equal(t, []byte("body"), rebuilt.Data)
}
