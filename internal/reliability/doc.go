// Package reliability holds the failure-handling primitives of the
// delivery engine.
//
//   - Matcher: composable error predicates used by continuation rules and
//     the circuit breaker.
//   - CircuitBreaker: a sliding-window failure-rate tracker that pauses a
//     listener under sustained failure. Samples are tagged without locking
//     and folded into time-bucketed generations by a single consumer.
//   - RetryForever: unbounded retry with linear backoff for bookkeeping
//     storage calls that must not give up.
//
// Example usage:
//
//	cb, err := NewCircuitBreaker(listener,
//	    WithTrackingPeriod(5*time.Minute),
//	    WithMinimumThreshold(50),
//	    WithFailurePercentageThreshold(20),
//	    WithFailureMatcher(ErrorAs[*net.OpError]()),
//	)
//	if err != nil {
//	    return err
//	}
//	cb.Start(ctx)
//	defer cb.Close()
//
//	cb.TagFailure(err)
package reliability
