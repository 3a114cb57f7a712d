package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff waits i×Step before the i-th retry, capped at Max when Max
// is positive. It implements backoff.BackOff.
type LinearBackOff struct {
	Step    time.Duration
	Max     time.Duration
	attempt int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NewLinearBackOff creates a linear backoff
func NewLinearBackOff(step, max time.Duration) *LinearBackOff {
	return &LinearBackOff{Step: step, Max: max}
}

func (l *LinearBackOff) NextBackOff() time.Duration {
	l.attempt++
	d := time.Duration(l.attempt) * l.Step
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

func (l *LinearBackOff) Reset() {
	l.attempt = 0
}

// RetryNotify is called before each wait with the failure and the attempt
// number that failed
type RetryNotify func(err error, attempt int, wait time.Duration)

// Permanent marks err so RetryForever stops immediately
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryForever runs fn until it succeeds, returns a Permanent error, or ctx
// ends. Waits grow linearly by step up to max.
func RetryForever(ctx context.Context, op string, step, max time.Duration, fn func(ctx context.Context) error, notify RetryNotify) error {
	start := time.Now()
	attempts := 0
	var last error

	operation := func() error {
		attempts++
		err := fn(ctx)
		if err != nil {
			last = err
		}
		return err
	}

	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(NewLinearBackOff(step, max), ctx), onRetry)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if last == nil {
			last = ctx.Err()
		}
		return &RetryError{Op: op, Attempts: attempts, LastError: last, Duration: time.Since(start)}
	}
	return err
}
