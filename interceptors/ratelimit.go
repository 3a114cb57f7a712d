package interceptors

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/glimte/courier-go/messaging"
)

// RateLimitingInterceptor limits handler throughput per message type.
// Messages over the limit wait for a token; the wait ends with the
// handler context.
type RateLimitingInterceptor struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitingInterceptor allows rps messages per second of each type
// with bursts of up to burst. A non-positive rps disables the limit.
func NewRateLimitingInterceptor(rps float64, burst int) *RateLimitingInterceptor {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &RateLimitingInterceptor{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (i *RateLimitingInterceptor) limiter(messageType string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.limiters[messageType]
	if !ok {
		l = rate.NewLimiter(i.limit, i.burst)
		i.limiters[messageType] = l
	}
	return l
}

func (i *RateLimitingInterceptor) Intercept(ctx context.Context, msg any, next messaging.MessageHandler) error {
	t := messageType(ctx, msg)
	if err := i.limiter(t).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for %s: %w", t, err)
	}
	return next.Handle(ctx, msg)
}

func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}
