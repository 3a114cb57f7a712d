package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a persisted envelope
type Status string

const (
	StatusIncoming   Status = "Incoming"
	StatusScheduled  Status = "Scheduled"
	StatusHandled    Status = "Handled"
	StatusDeadLetter Status = "DeadLetter"
)

// AnyNode marks an envelope row that no node currently owns
const AnyNode = 0

// Envelope carries a message plus the metadata needed to deliver it
type Envelope struct {
	ID string `json:"id"`

	// Payload. Message is the logical object; Data is its serialized form.
	Message     any    `json:"-"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	MessageType string `json:"messageType,omitempty"`

	Destination string `json:"destination,omitempty"`
	ReplyURI    string `json:"replyUri,omitempty"`
	TopicName   string `json:"topicName,omitempty"`
	SagaID      string `json:"sagaId,omitempty"`

	CorrelationID  string `json:"correlationId,omitempty"`
	CausationID    string `json:"causationId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ParentID       string `json:"parentId,omitempty"`
	Source         string `json:"source,omitempty"`

	Status        Status     `json:"status,omitempty"`
	Attempts      int        `json:"attempts"`
	OwnerID       int        `json:"ownerId"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
	DeliverBy     *time.Time `json:"deliverBy,omitempty"`
	SentAt        time.Time  `json:"sentAt"`

	AckRequested   bool   `json:"ackRequested,omitempty"`
	ReplyRequested string `json:"replyRequested,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	// Durable is decided by routing from the destination endpoint and is
	// never written to the wire.
	Durable bool `json:"-"`
}

// NewEnvelope creates an envelope with a fresh identity for message
func NewEnvelope(message any) *Envelope {
	return &Envelope{
		ID:      uuid.New().String(),
		Message: message,
		SentAt:  time.Now().UTC(),
		Headers: make(map[string]string),
	}
}

// ScheduleAt moves the envelope to the Scheduled state for execution at t.
func (e *Envelope) ScheduleAt(t time.Time) {
	at := t.UTC()
	e.ScheduledTime = &at
	e.Status = StatusScheduled
}

// ScheduleDelayed schedules the envelope for now+delay
func (e *Envelope) ScheduleDelayed(delay time.Duration, now time.Time) {
	e.ScheduleAt(now.Add(delay))
}

// MarkIncoming makes the envelope ready for immediate processing. The
// scheduled time is kept for diagnostics.
func (e *Envelope) MarkIncoming() {
	e.Status = StatusIncoming
}

// MarkOutgoing clears the inbox state of an envelope that is about to be
// sent. Outgoing envelopes carry no status.
func (e *Envelope) MarkOutgoing() {
	e.Status = ""
}

// MarkHandled flags successful completion
func (e *Envelope) MarkHandled() {
	e.Status = StatusHandled
}

// MarkDeadLetter flags terminal failure
func (e *Envelope) MarkDeadLetter() {
	e.Status = StatusDeadLetter
}

// RecordAttempt raises the attempt counter to n. Lower values are ignored.
func (e *Envelope) RecordAttempt(n int) {
	if n > e.Attempts {
		e.Attempts = n
	}
}

// IsExpired reports whether the DeliverBy deadline has passed
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.DeliverBy != nil && now.After(*e.DeliverBy)
}

// IsScheduledReady reports whether a scheduled envelope is due
func (e *Envelope) IsScheduledReady(now time.Time) bool {
	return e.Status == StatusScheduled && e.ScheduledTime != nil && !e.ScheduledTime.After(now)
}

// DeliverWithin sets DeliverBy relative to now
func (e *Envelope) DeliverWithin(d time.Duration, now time.Time) {
	by := now.Add(d).UTC()
	e.DeliverBy = &by
}

// Validate checks the envelope invariants
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &EnvelopeError{Op: "validate", Err: ErrMissingID}
	}
	if e.Status == StatusScheduled && e.ScheduledTime == nil {
		return &EnvelopeError{Op: "validate", EnvelopeID: e.ID, Err: ErrMissingExecutionTime}
	}
	return nil
}

// ForSend derives an envelope for a message produced while this envelope is
// being handled. Correlation flows from the parent.
func (e *Envelope) ForSend(message any, source string) *Envelope {
	child := NewEnvelope(message)
	child.CorrelationID = e.CorrelationID
	if child.CorrelationID == "" {
		child.CorrelationID = e.ID
	}
	child.CausationID = e.ID
	child.ConversationID = e.ID
	child.ParentID = e.ID
	child.SagaID = e.SagaID
	child.Source = source
	return child
}

// CreateForResponse derives an envelope addressed back to the sender
func (e *Envelope) CreateForResponse(message any, source string) *Envelope {
	child := e.ForSend(message, source)
	child.Destination = e.ReplyURI
	return child
}

// Clone returns a copy that can be mutated without touching the original
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.ScheduledTime != nil {
		t := *e.ScheduledTime
		c.ScheduledTime = &t
	}
	if e.DeliverBy != nil {
		t := *e.DeliverBy
		c.DeliverBy = &t
	}
	return &c
}

// SetHeader sets a custom header
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

func (e *Envelope) String() string {
	if e.MessageType == "" {
		return fmt.Sprintf("Envelope#%s", e.ID)
	}
	return fmt.Sprintf("Envelope#%s (%s)", e.ID, e.MessageType)
}
