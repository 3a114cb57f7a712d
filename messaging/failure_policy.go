package messaging

import (
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
)

// DefaultMaximumAttempts caps deliveries when no other value is configured
const DefaultMaximumAttempts = 3

// Matcher decides whether a failure policy applies to an error
type Matcher = reliability.Matcher

// Matcher constructors
var (
	MatchAll        = reliability.MatchAll
	ErrorIs         = reliability.ErrorIs
	MessageContains = reliability.MessageContains
	And             = reliability.And
	Or              = reliability.Or
	Not             = reliability.Not
	Exclude         = reliability.Exclude
)

// ErrorAs matches errors that unwrap to T
func ErrorAs[T error]() Matcher {
	return reliability.ErrorAs[T]()
}

// ContinuationBuilder produces the continuation for a failed envelope.
// Returning nil means the rule does not apply.
type ContinuationBuilder func(env *contracts.Envelope, err error) Continuation

// ContinuationSource proposes a continuation for a failure
type ContinuationSource interface {
	Build(env *contracts.Envelope, err error) (Continuation, bool)
}

// FailureRule pairs a matcher with a builder
type FailureRule struct {
	Match Matcher
	Build ContinuationBuilder
}

// RuleSource is an ordered list of rules. The first rule whose matcher
// accepts the error and whose builder returns a continuation wins.
type RuleSource struct {
	rules []FailureRule
}

// NewRuleSource creates a source from rules in order
func NewRuleSource(rules ...FailureRule) *RuleSource {
	return &RuleSource{rules: rules}
}

// Add appends a rule
func (s *RuleSource) Add(match Matcher, build ContinuationBuilder) *RuleSource {
	s.rules = append(s.rules, FailureRule{Match: match, Build: build})
	return s
}

func (s *RuleSource) Build(env *contracts.Envelope, err error) (Continuation, bool) {
	for _, r := range s.rules {
		if r.Match == nil || !r.Match(err) {
			continue
		}
		if c := r.Build(env, err); c != nil {
			return c, true
		}
	}
	return nil, false
}

// FailurePolicy resolves the continuation for a failed handler invocation.
// Sources registered for the envelope's message type are consulted first,
// then the global sources.
type FailurePolicy struct {
	MaximumAttempts int

	mu     sync.RWMutex
	global []ContinuationSource
	byType map[string][]ContinuationSource
}

// NewFailurePolicy creates an empty policy
func NewFailurePolicy(maximumAttempts int) *FailurePolicy {
	if maximumAttempts <= 0 {
		maximumAttempts = DefaultMaximumAttempts
	}
	return &FailurePolicy{
		MaximumAttempts: maximumAttempts,
		byType:          make(map[string][]ContinuationSource),
	}
}

// AddSource registers a global source
func (p *FailurePolicy) AddSource(src ContinuationSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global = append(p.global, src)
}

// AddSourceFor registers a source scoped to messageType
func (p *FailurePolicy) AddSourceFor(messageType string, src ContinuationSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byType[messageType] = append(p.byType[messageType], src)
}

// OnError starts a global rule for errors accepted by match
func (p *FailurePolicy) OnError(match Matcher) *PolicyExpression {
	expr := &PolicyExpression{match: match}
	p.AddSource(expr)
	return expr
}

// ForMessageType scopes new rules to one message type
func (p *FailurePolicy) ForMessageType(messageType string) *MessageTypePolicy {
	return &MessageTypePolicy{policy: p, messageType: messageType}
}

// MessageTypePolicy registers rules for a single message type
type MessageTypePolicy struct {
	policy      *FailurePolicy
	messageType string
}

// OnError starts a rule scoped to the message type
func (m *MessageTypePolicy) OnError(match Matcher) *PolicyExpression {
	expr := &PolicyExpression{match: match}
	m.policy.AddSourceFor(m.messageType, expr)
	return expr
}

// DetermineContinuation picks what to do with env after err
func (p *FailurePolicy) DetermineContinuation(env *contracts.Envelope, err error) Continuation {
	if p.MaximumAttempts > 0 && env.Attempts >= p.MaximumAttempts {
		return &MoveToDeadLetter{Err: err}
	}

	p.mu.RLock()
	scoped := p.byType[env.MessageType]
	global := p.global
	p.mu.RUnlock()

	for _, scope := range [][]ContinuationSource{scoped, global} {
		var matches []Continuation
		for _, src := range scope {
			if c, ok := src.Build(env, err); ok {
				matches = append(matches, c)
			}
		}
		if len(matches) > 0 {
			return combine(matches)
		}
	}
	return &MoveToDeadLetter{Err: err}
}

// combine keeps registration order; of two continuations of the same kind
// the later registration survives
func combine(matches []Continuation) Continuation {
	if len(matches) == 1 {
		return matches[0]
	}

	var flat []Continuation
	for _, m := range matches {
		if c, ok := m.(*CompositeContinuation); ok {
			flat = append(flat, c.Members...)
		} else {
			flat = append(flat, m)
		}
	}

	last := make(map[string]int, len(flat))
	for i, c := range flat {
		last[kindOf(c)] = i
	}
	kept := make([]Continuation, 0, len(last))
	for i, c := range flat {
		if last[kindOf(c)] == i {
			kept = append(kept, c)
		}
	}
	return Composite(kept...)
}

// PolicyExpression is a fluent rule. Each retry delay occupies one attempt
// slot: the k-th slot applies to the k-th failed attempt. A terminal action
// covers every attempt after the slots. Without one, the rule stops
// matching once its slots are used up.
type PolicyExpression struct {
	match     Matcher
	mu        sync.RWMutex
	slots     []ContinuationBuilder
	tail      ContinuationBuilder
	lastStart int
	lastTail  bool
}

func (e *PolicyExpression) Build(env *contracts.Envelope, err error) (Continuation, bool) {
	if e.match == nil || !e.match(err) {
		return nil, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	idx := env.Attempts - 1
	if idx < 0 {
		idx = 0
	}
	var build ContinuationBuilder
	switch {
	case idx < len(e.slots):
		build = e.slots[idx]
	case e.tail != nil:
		build = e.tail
	default:
		return nil, false
	}
	c := build(env, err)
	return c, c != nil
}

func (e *PolicyExpression) addSlots(builders ...ContinuationBuilder) *PolicyExpression {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastStart = len(e.slots)
	e.lastTail = false
	e.slots = append(e.slots, builders...)
	return e
}

func (e *PolicyExpression) setTail(build ContinuationBuilder) *PolicyExpression {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tail = build
	e.lastTail = true
	return e
}

func constant(c Continuation) ContinuationBuilder {
	return func(*contracts.Envelope, error) Continuation { return c }
}

// RetryInline retries in process, once per delay. No delays means one
// immediate retry.
func (e *PolicyExpression) RetryInline(delays ...time.Duration) *PolicyExpression {
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}
	builders := make([]ContinuationBuilder, len(delays))
	for i, d := range delays {
		builders[i] = constant(&RetryInline{Delay: d})
	}
	return e.addSlots(builders...)
}

// RetryTimes retries in process n times without waiting
func (e *PolicyExpression) RetryTimes(n int) *PolicyExpression {
	return e.RetryInline(make([]time.Duration, n)...)
}

// ScheduleRetry stores the envelope for a later attempt, once per delay
func (e *PolicyExpression) ScheduleRetry(delays ...time.Duration) *PolicyExpression {
	builders := make([]ContinuationBuilder, len(delays))
	for i, d := range delays {
		builders[i] = constant(&ScheduleRetry{Delay: d})
	}
	return e.addSlots(builders...)
}

// Requeue gives the envelope back on every remaining attempt
func (e *PolicyExpression) Requeue() *PolicyExpression {
	return e.setTail(constant(Requeue{}))
}

// MoveToDeadLetter dead-letters on every remaining attempt
func (e *PolicyExpression) MoveToDeadLetter() *PolicyExpression {
	return e.setTail(func(env *contracts.Envelope, err error) Continuation {
		return &MoveToDeadLetter{Err: err}
	})
}

// PauseListener requeues the envelope and pauses its listener for d
func (e *PolicyExpression) PauseListener(d time.Duration) *PolicyExpression {
	return e.setTail(constant(Composite(Requeue{}, &PauseListener{Duration: d})))
}

// AndPauseListener adds a listener pause to the previous action
func (e *PolicyExpression) AndPauseListener(d time.Duration) *PolicyExpression {
	e.mu.Lock()
	defer e.mu.Unlock()

	pause := &PauseListener{Duration: d}
	withPause := func(b ContinuationBuilder) ContinuationBuilder {
		return func(env *contracts.Envelope, err error) Continuation {
			c := b(env, err)
			if c == nil {
				return nil
			}
			return Composite(c, pause)
		}
	}

	if e.lastTail && e.tail != nil {
		e.tail = withPause(e.tail)
		return e
	}
	for i := e.lastStart; i < len(e.slots); i++ {
		e.slots[i] = withPause(e.slots[i])
	}
	return e
}
