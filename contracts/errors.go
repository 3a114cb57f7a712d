package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrMissingID            = errors.New("envelope: missing id")
	ErrMissingExecutionTime = errors.New("envelope: scheduled envelope has no execution time")
	ErrInvalidHeader        = errors.New("envelope: invalid header value")
)

// EnvelopeError wraps a failure tied to a specific envelope
type EnvelopeError struct {
	Op         string
	EnvelopeID string
	Err        error
}

func (e *EnvelopeError) Error() string {
	if e.EnvelopeID != "" {
		return fmt.Sprintf("envelope %s: %s: %v", e.EnvelopeID, e.Op, e.Err)
	}
	return fmt.Sprintf("envelope: %s: %v", e.Op, e.Err)
}

func (e *EnvelopeError) Unwrap() error {
	return e.Err
}

// NoRoutesError is raised when nothing can receive a message type
type NoRoutesError struct {
	MessageType string
}

func (e *NoRoutesError) Error() string {
	return fmt.Sprintf("no routes can be determined for message type %q", e.MessageType)
}

// UnknownEndpointError is raised when sending to an endpoint name that was
// never configured
type UnknownEndpointError struct {
	Name string
}

func (e *UnknownEndpointError) Error() string {
	return fmt.Sprintf("unknown endpoint %q", e.Name)
}
