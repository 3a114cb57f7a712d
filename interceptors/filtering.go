package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/courier-go/messaging"
)

// MessageFilter decides whether a message reaches its handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg any) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg any) (bool, error)

func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg any) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens to a filtered message
type SkipBehavior int

const (
	// SkipSilently completes the envelope without handling it
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the message so the failure policy applies
	SkipWithError
	// SkipWithLog completes the envelope and logs the skip
	SkipWithLog
)

// FilteringInterceptor skips messages rejected by its filter
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{filter: filter, skipBehavior: skipBehavior, logger: logger}
}

func (i *FilteringInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	ok, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next.Handle(ctx, msg)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return fmt.Errorf("message filtered: type=%s", messageType(ctx, msg))
	case SkipWithLog:
		attrs := []any{"messageType", messageType(ctx, msg)}
		if env := envelopeOf(ctx); env != nil {
			attrs = append(attrs, "envelopeId", env.ID)
		}
		i.logger.InfoContext(ctx, "message filtered", attrs...)
	}
	return nil
}

func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllOf passes messages accepted by every filter
func AllOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg any) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, msg)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf passes messages accepted by at least one filter
func AnyOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg any) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, msg)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not inverts a filter
func Not(filter MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg any) (bool, error) {
		ok, err := filter.ShouldProcess(ctx, msg)
		return !ok && err == nil, err
	})
}

// MessageTypes passes messages whose type name is listed
func MessageTypes(types ...string) MessageFilter {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return MessageFilterFunc(func(ctx context.Context, msg any) (bool, error) {
		_, ok := allowed[messageType(ctx, msg)]
		return ok, nil
	})
}

// HeaderEquals passes messages whose envelope carries header key with
// value. Messages handled outside the runtime have no headers.
func HeaderEquals(key, value string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg any) (bool, error) {
		env := envelopeOf(ctx)
		if env == nil {
			return false, nil
		}
		v, ok := env.Headers[key]
		return ok && v == value, nil
	})
}
