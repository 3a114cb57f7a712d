package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier-go/contracts"
)

// toPublishing maps an envelope onto AMQP properties and string headers.
// DeliverBy becomes a per-message TTL so the broker drops stale envelopes
// too.
func toPublishing(env *contracts.Envelope, now time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range contracts.ToHeaders(env) {
		headers[k] = v
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   env.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyURI,
		MessageId:     env.ID,
		Timestamp:     env.SentAt,
		Type:          env.MessageType,
		AppId:         env.Source,
		Body:          env.Data,
	}

	if env.DeliverBy != nil {
		ttl := env.DeliverBy.Sub(now).Milliseconds()
		if ttl < 1 {
			ttl = 1
		}
		msg.Expiration = strconv.FormatInt(ttl, 10)
	}
	return msg
}

// fromDelivery rebuilds the envelope of a delivery. Headers win over AMQP
// properties so envelopes written by other courier transports keep every
// field.
func fromDelivery(d amqp.Delivery) (*contracts.Envelope, error) {
	headers := make(map[string]string, len(d.Headers)+6)
	for k, v := range d.Headers {
		if s, ok := headerString(v); ok {
			headers[k] = s
		}
	}

	fallback := func(key, value string) {
		if _, ok := headers[key]; !ok && value != "" {
			headers[key] = value
		}
	}
	fallback(contracts.HeaderID, d.MessageId)
	fallback(contracts.HeaderCorrelationID, d.CorrelationId)
	fallback(contracts.HeaderContentType, d.ContentType)
	fallback(contracts.HeaderMessageType, d.Type)
	fallback(contracts.HeaderReplyURI, d.ReplyTo)
	fallback(contracts.HeaderSource, d.AppId)

	env, err := contracts.FromHeaders(headers, d.Body)
	if err != nil {
		return nil, err
	}
	if env.SentAt.IsZero() && !d.Timestamp.IsZero() {
		env.SentAt = d.Timestamp
	}
	return env, nil
}

// headerString converts the AMQP field types courier can meet in headers.
// Nested tables and arrays are skipped.
func headerString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case bool:
		return strconv.FormatBool(val), true
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	default:
		return "", false
	}
}
