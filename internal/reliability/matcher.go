package reliability

import (
	"errors"
	"strings"
)

// Matcher decides whether an error belongs to a rule. Continuation rules
// and the circuit breaker share it.
type Matcher func(err error) bool

// MatchAll accepts every non-nil error
func MatchAll() Matcher {
	return func(err error) bool { return err != nil }
}

// ErrorIs matches errors that wrap target
func ErrorIs(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// ErrorAs matches errors that wrap an error of type T
func ErrorAs[T error]() Matcher {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// MessageContains matches on a case-insensitive substring of the error text
func MessageContains(substr string) Matcher {
	needle := strings.ToLower(substr)
	return func(err error) bool {
		return err != nil && strings.Contains(strings.ToLower(err.Error()), needle)
	}
}

// And matches when every matcher matches
func And(matchers ...Matcher) Matcher {
	return func(err error) bool {
		for _, m := range matchers {
			if !m(err) {
				return false
			}
		}
		return len(matchers) > 0
	}
}

// Or matches when any matcher matches
func Or(matchers ...Matcher) Matcher {
	return func(err error) bool {
		for _, m := range matchers {
			if m(err) {
				return true
			}
		}
		return false
	}
}

// Not inverts m. A nil error never matches.
func Not(m Matcher) Matcher {
	return func(err error) bool { return err != nil && !m(err) }
}

// Exclude matches every error except those wrapping one of targets
func Exclude(targets ...error) Matcher {
	return func(err error) bool {
		if err == nil {
			return false
		}
		for _, t := range targets {
			if errors.Is(err, t) {
				return false
			}
		}
		return true
	}
}
