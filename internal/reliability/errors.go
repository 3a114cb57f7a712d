package reliability

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNilPauser = errors.New("circuit breaker: pauser is required")

// InvalidCircuitBreakerError lists every configuration problem found
type InvalidCircuitBreakerError struct {
	Problems []string
}

func (e *InvalidCircuitBreakerError) Error() string {
	return "invalid circuit breaker configuration: " + strings.Join(e.Problems, ", ")
}

// RetryError is returned by RetryForever when its context ends before the
// operation succeeds
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry abandoned: %s after %d attempts over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
