package contracts

import (
	"fmt"
	"strconv"
	"time"
)

// Wire header names. Every transport and storage adapter must round-trip
// these without loss.
const (
	HeaderID             = "id"
	HeaderCorrelationID  = "correlation-id"
	HeaderCausationID    = "causation-id"
	HeaderConversationID = "conversation-id"
	HeaderParentID       = "parent-id"
	HeaderSource         = "source"
	HeaderSagaID         = "saga-id"
	HeaderDestination    = "destination"
	HeaderReplyURI       = "reply-uri"
	HeaderTopicName      = "topic-name"
	HeaderContentType    = "content-type"
	HeaderMessageType    = "message-type"
	HeaderScheduledTime  = "scheduled-time"
	HeaderDeliverBy      = "deliver-by"
	HeaderSentAt         = "sent-at"
	HeaderAttempts       = "attempts"
	HeaderAckRequested   = "ack-requested"
	HeaderReplyRequested = "reply-requested"
)

var reservedHeaders = map[string]bool{
	HeaderID: true, HeaderCorrelationID: true, HeaderCausationID: true,
	HeaderConversationID: true, HeaderParentID: true, HeaderSource: true,
	HeaderSagaID: true, HeaderDestination: true, HeaderReplyURI: true,
	HeaderTopicName: true, HeaderContentType: true, HeaderMessageType: true,
	HeaderScheduledTime: true, HeaderDeliverBy: true, HeaderSentAt: true,
	HeaderAttempts: true, HeaderAckRequested: true, HeaderReplyRequested: true,
}

// IsReservedHeader reports whether key belongs to the envelope contract
func IsReservedHeader(key string) bool {
	return reservedHeaders[key]
}

// ToHeaders flattens the envelope metadata into string headers
func ToHeaders(e *Envelope) map[string]string {
	h := make(map[string]string, len(e.Headers)+12)
	for k, v := range e.Headers {
		h[k] = v
	}

	set := func(key, value string) {
		if value != "" {
			h[key] = value
		}
	}
	set(HeaderID, e.ID)
	set(HeaderCorrelationID, e.CorrelationID)
	set(HeaderCausationID, e.CausationID)
	set(HeaderConversationID, e.ConversationID)
	set(HeaderParentID, e.ParentID)
	set(HeaderSource, e.Source)
	set(HeaderSagaID, e.SagaID)
	set(HeaderDestination, e.Destination)
	set(HeaderReplyURI, e.ReplyURI)
	set(HeaderTopicName, e.TopicName)
	set(HeaderContentType, e.ContentType)
	set(HeaderMessageType, e.MessageType)
	set(HeaderReplyRequested, e.ReplyRequested)

	if e.ScheduledTime != nil {
		h[HeaderScheduledTime] = formatTime(*e.ScheduledTime)
	}
	if e.DeliverBy != nil {
		h[HeaderDeliverBy] = formatTime(*e.DeliverBy)
	}
	if !e.SentAt.IsZero() {
		h[HeaderSentAt] = formatTime(e.SentAt)
	}
	if e.Attempts > 0 {
		h[HeaderAttempts] = strconv.Itoa(e.Attempts)
	}
	if e.AckRequested {
		h[HeaderAckRequested] = "true"
	}
	return h
}

// FromHeaders rebuilds an envelope from wire headers and a raw body
func FromHeaders(headers map[string]string, data []byte) (*Envelope, error) {
	e := &Envelope{
		Data:    data,
		Headers: make(map[string]string),
	}

	for k, v := range headers {
		switch k {
		case HeaderID:
			e.ID = v
		case HeaderCorrelationID:
			e.CorrelationID = v
		case HeaderCausationID:
			e.CausationID = v
		case HeaderConversationID:
			e.ConversationID = v
		case HeaderParentID:
			e.ParentID = v
		case HeaderSource:
			e.Source = v
		case HeaderSagaID:
			e.SagaID = v
		case HeaderDestination:
			e.Destination = v
		case HeaderReplyURI:
			e.ReplyURI = v
		case HeaderTopicName:
			e.TopicName = v
		case HeaderContentType:
			e.ContentType = v
		case HeaderMessageType:
			e.MessageType = v
		case HeaderReplyRequested:
			e.ReplyRequested = v
		case HeaderScheduledTime:
			t, err := parseTime(k, v)
			if err != nil {
				return nil, err
			}
			e.ScheduledTime = &t
		case HeaderDeliverBy:
			t, err := parseTime(k, v)
			if err != nil {
				return nil, err
			}
			e.DeliverBy = &t
		case HeaderSentAt:
			t, err := parseTime(k, v)
			if err != nil {
				return nil, err
			}
			e.SentAt = t
		case HeaderAttempts:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s=%q", ErrInvalidHeader, k, v)
			}
			e.Attempts = n
		case HeaderAckRequested:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s=%q", ErrInvalidHeader, k, v)
			}
			e.AckRequested = b
		default:
			e.Headers[k] = v
		}
	}

	if e.ID == "" {
		return nil, &EnvelopeError{Op: "read headers", Err: ErrMissingID}
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(key, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q", ErrInvalidHeader, key, value)
	}
	return t, nil
}
