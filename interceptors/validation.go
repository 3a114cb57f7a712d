package interceptors

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/courier-go/messaging"
)

// ErrInvalidMessage wraps every validation failure so failure policies can
// match it
var ErrInvalidMessage = errors.New("invalid message")

// MessageValidator checks a decoded message
type MessageValidator interface {
	Validate(ctx context.Context, msg any) error
}

// ValidatorFunc is a function adapter for MessageValidator
type ValidatorFunc func(ctx context.Context, msg any) error

func (f ValidatorFunc) Validate(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// SelfValidating is implemented by messages that check their own fields
type SelfValidating interface {
	Validate() error
}

// SelfValidator validates messages implementing SelfValidating and
// accepts everything else
var SelfValidator = ValidatorFunc(func(ctx context.Context, msg any) error {
	if v, ok := msg.(SelfValidating); ok {
		return v.Validate()
	}
	return nil
})

// ValidationInterceptor rejects invalid messages before the handler runs
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a validation interceptor. A nil
// validator uses SelfValidator.
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	if validator == nil {
		validator = SelfValidator
	}
	return &ValidationInterceptor{validator: validator}
}

func (i *ValidationInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidMessage, messageType(ctx, msg), err)
	}
	return next.Handle(ctx, msg)
}

func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
