package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// Tracker receives handler outcomes. Both calls are fire-and-forget.
type Tracker interface {
	TagSuccess()
	TagFailure(err error)
}

// Pauser is what the breaker acts on when it trips. Pausing an already
// paused target re-arms its window.
type Pauser interface {
	Pause(d time.Duration)
}

// Generation is one time bucket of the sliding window
type Generation struct {
	Start    time.Time
	End      time.Time
	Expires  time.Time
	Failures int
	Total    int
}

func (g *Generation) isExpired(now time.Time) bool {
	return now.After(g.Expires)
}

func (g *Generation) isActive(now time.Time) bool {
	return !now.Before(g.Start) && now.Before(g.End)
}

type sample struct {
	err    error
	failed bool
}

// CircuitBreaker pauses a listener when the failure ratio over the tracking
// period crosses a threshold. Tags are batched over the sampling period and
// folded into generations by one consumer goroutine.
type CircuitBreaker struct {
	mu          sync.Mutex
	generations []*Generation
	state       State
	openUntil   time.Time
	lastTrip    time.Time
	trips       int64
	samples     int64
	failures    int64
	dropped     int64

	// Configuration
	name                 string
	trackingPeriod       time.Duration
	samplingPeriod       time.Duration
	generationPeriod     time.Duration
	pauseTime            time.Duration
	minimumThreshold     int
	failurePercentage    int
	ratio                float64
	match                Matcher
	now                  func() time.Time
	bufferSize           int
	logger               *slog.Logger
	pauser               Pauser
	listeners            []StateChangeListener
	listenerMu           sync.RWMutex
	tags                 chan sample
	startOnce, closeOnce sync.Once
	closed               chan struct{}
	done                 chan struct{}
}

var _ Tracker = (*CircuitBreaker)(nil)

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// CircuitBreakerSettings holds the tunable thresholds of a breaker
type CircuitBreakerSettings struct {
	TrackingPeriod             time.Duration
	SamplingPeriod             time.Duration
	MinimumThreshold           int
	FailurePercentageThreshold int
	PauseTime                  time.Duration
}

// DefaultCircuitBreakerSettings returns the thresholds used when none are
// given
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		TrackingPeriod:             10 * time.Minute,
		SamplingPeriod:             250 * time.Millisecond,
		MinimumThreshold:           10,
		FailurePercentageThreshold: 15,
		PauseTime:                  3 * time.Minute,
	}
}

// Options converts the settings, skipping zero values
func (s CircuitBreakerSettings) Options() []CircuitBreakerOption {
	var opts []CircuitBreakerOption
	if s.TrackingPeriod > 0 {
		opts = append(opts, WithTrackingPeriod(s.TrackingPeriod))
	}
	if s.SamplingPeriod > 0 {
		opts = append(opts, WithSamplingPeriod(s.SamplingPeriod))
	}
	if s.MinimumThreshold > 0 {
		opts = append(opts, WithMinimumThreshold(s.MinimumThreshold))
	}
	if s.FailurePercentageThreshold > 0 {
		opts = append(opts, WithFailurePercentageThreshold(s.FailurePercentageThreshold))
	}
	if s.PauseTime > 0 {
		opts = append(opts, WithPauseTime(s.PauseTime))
	}
	return opts
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithTrackingPeriod sets how far back failures are remembered
func WithTrackingPeriod(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.trackingPeriod = d
	}
}

// WithSamplingPeriod sets how often tagged outcomes are processed
func WithSamplingPeriod(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.samplingPeriod = d
	}
}

// WithMinimumThreshold sets the sample count below which the breaker never trips
func WithMinimumThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.minimumThreshold = n
	}
}

// WithFailurePercentageThreshold sets the failure percentage that trips the breaker
func WithFailurePercentageThreshold(pct int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failurePercentage = pct
	}
}

// WithPauseTime sets how long the listener is paused on a trip
func WithPauseTime(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.pauseTime = d
	}
}

// WithFailureMatcher restricts which errors count as failures
func WithFailureMatcher(m Matcher) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if m != nil {
			cb.match = m
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// WithTagBuffer sets the capacity of the tag channel
func WithTagBuffer(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.bufferSize = n
	}
}

// NewCircuitBreaker creates a breaker that pauses pauser when it trips
func NewCircuitBreaker(pauser Pauser, options ...CircuitBreakerOption) (*CircuitBreaker, error) {
	if pauser == nil {
		return nil, ErrNilPauser
	}

	defaults := DefaultCircuitBreakerSettings()
	cb := &CircuitBreaker{
		state:             StateClosed,
		name:              "default",
		trackingPeriod:    defaults.TrackingPeriod,
		samplingPeriod:    defaults.SamplingPeriod,
		pauseTime:         defaults.PauseTime,
		minimumThreshold:  defaults.MinimumThreshold,
		failurePercentage: defaults.FailurePercentageThreshold,
		match:             MatchAll(),
		now:               time.Now,
		bufferSize:        1024,
		logger:            slog.Default(),
		pauser:            pauser,
		closed:            make(chan struct{}),
		done:              make(chan struct{}),
	}

	for _, opt := range options {
		opt(cb)
	}

	if err := cb.validate(); err != nil {
		return nil, err
	}

	cb.generationPeriod = GenerationPeriod(cb.trackingPeriod)
	cb.ratio = float64(cb.failurePercentage) / 100.0
	cb.tags = make(chan sample, cb.bufferSize)
	cb.logger = cb.logger.With("circuitBreaker", cb.name)

	return cb, nil
}

// GenerationPeriod is a quarter of the tracking period in whole seconds,
// never less than one second
func GenerationPeriod(tracking time.Duration) time.Duration {
	secs := int(math.Floor(tracking.Seconds() / 4))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func (cb *CircuitBreaker) validate() error {
	var problems []string
	if cb.trackingPeriod <= 0 {
		problems = append(problems, "tracking period must be positive")
	}
	if cb.samplingPeriod <= 0 {
		problems = append(problems, "sampling period must be positive")
	}
	if cb.trackingPeriod > 0 && cb.samplingPeriod >= cb.trackingPeriod {
		problems = append(problems, "sampling period must be shorter than the tracking period")
	}
	if cb.pauseTime <= 0 {
		problems = append(problems, "pause time must be positive")
	}
	if cb.minimumThreshold <= 0 {
		problems = append(problems, "minimum threshold must be positive")
	}
	if cb.failurePercentage <= 0 || cb.failurePercentage > 100 {
		problems = append(problems, "failure percentage threshold must be between 1 and 100")
	}
	if cb.bufferSize <= 0 {
		problems = append(problems, "tag buffer must be positive")
	}
	if len(problems) > 0 {
		return &InvalidCircuitBreakerError{Problems: problems}
	}
	return nil
}

// Start launches the batching consumer. It stops when ctx is done or on Close.
func (cb *CircuitBreaker) Start(ctx context.Context) {
	cb.startOnce.Do(func() {
		go cb.consume(ctx)
	})
}

// Close stops the consumer and waits for it if it was started
func (cb *CircuitBreaker) Close() {
	cb.startOnce.Do(func() { close(cb.done) })
	cb.closeOnce.Do(func() { close(cb.closed) })
	<-cb.done
}

func (cb *CircuitBreaker) consume(ctx context.Context) {
	defer close(cb.done)

	ticker := time.NewTicker(cb.samplingPeriod)
	defer ticker.Stop()

	var batch []sample
	for {
		select {
		case s := <-cb.tags:
			batch = append(batch, s)
		case <-ticker.C:
			now := cb.now()
			if len(batch) > 0 {
				cb.process(now, batch)
				batch = batch[:0]
			}
			cb.checkResume(now)
		case <-ctx.Done():
			return
		case <-cb.closed:
			return
		}
	}
}

// TagSuccess records a successful handler invocation
func (cb *CircuitBreaker) TagSuccess() {
	cb.tag(sample{})
}

// TagFailure records a failed handler invocation
func (cb *CircuitBreaker) TagFailure(err error) {
	cb.tag(sample{err: err, failed: true})
}

func (cb *CircuitBreaker) tag(s sample) {
	select {
	case cb.tags <- s:
	case <-cb.closed:
	default:
		cb.mu.Lock()
		cb.dropped++
		cb.mu.Unlock()
	}
}

// ProcessBatch folds one batch of outcomes into the window. A nil entry is a
// success. The consumer calls it once per sampling period.
func (cb *CircuitBreaker) ProcessBatch(now time.Time, outcomes []error) {
	batch := make([]sample, len(outcomes))
	for i, err := range outcomes {
		batch[i] = sample{err: err, failed: err != nil}
	}
	cb.process(now, batch)
}

func (cb *CircuitBreaker) process(now time.Time, batch []sample) {
	failures := 0
	for _, s := range batch {
		if s.failed && cb.match(s.err) {
			failures++
		}
	}
	cb.UpdateTotals(now, failures, len(batch))
}

// UpdateTotals adds counts to the generation active at now and pauses the
// listener when the batch had failures and the window crosses the threshold
func (cb *CircuitBreaker) UpdateTotals(now time.Time, failures, total int) {
	cb.mu.Lock()
	gen := cb.determineGeneration(now)
	gen.Failures += failures
	gen.Total += total
	cb.samples += int64(total)
	cb.failures += int64(failures)

	trip := failures > 0 && cb.shouldStopProcessing()
	var from State
	if trip {
		from = cb.state
		cb.state = StateOpen
		cb.openUntil = now.Add(cb.pauseTime)
		cb.lastTrip = now
		cb.trips++
	}
	windowFailures, windowTotal := cb.windowLocked()
	cb.mu.Unlock()

	if !trip {
		return
	}

	cb.logger.Warn("circuit breaker tripped, pausing listener",
		"failures", windowFailures,
		"total", windowTotal,
		"pauseTime", cb.pauseTime)
	cb.pauser.Pause(cb.pauseTime)

	if from != StateOpen {
		cb.notifyStateChange(from, StateOpen,
			fmt.Sprintf("failure ratio %d/%d reached %d%%", windowFailures, windowTotal, cb.failurePercentage))
	}
}

func (cb *CircuitBreaker) checkResume(now time.Time) {
	cb.mu.Lock()
	if cb.state != StateOpen || now.Before(cb.openUntil) {
		cb.mu.Unlock()
		return
	}
	cb.state = StateClosed
	cb.mu.Unlock()

	cb.notifyStateChange(StateOpen, StateClosed, "pause time elapsed")
}

func (cb *CircuitBreaker) determineGeneration(now time.Time) *Generation {
	live := cb.generations[:0]
	for _, g := range cb.generations {
		if !g.isExpired(now) {
			live = append(live, g)
		}
	}
	cb.generations = live

	for _, g := range cb.generations {
		if g.isActive(now) {
			return cb.generations[len(cb.generations)-1]
		}
	}

	gen := &Generation{
		Start:   now,
		End:     now.Add(cb.generationPeriod),
		Expires: now.Add(cb.trackingPeriod),
	}
	cb.generations = append(cb.generations, gen)
	return gen
}

func (cb *CircuitBreaker) shouldStopProcessing() bool {
	failures, total := cb.windowLocked()
	if total < cb.minimumThreshold {
		return false
	}
	return float64(failures)/float64(total) >= cb.ratio
}

func (cb *CircuitBreaker) windowLocked() (failures, total int) {
	for _, g := range cb.generations {
		failures += g.Failures
		total += g.Total
	}
	return failures, total
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CurrentGenerations returns a snapshot of the live window
func (cb *CircuitBreaker) CurrentGenerations() []Generation {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]Generation, len(cb.generations))
	for i, g := range cb.generations {
		out[i] = *g
	}
	return out
}

// GenerationPeriod returns the bucket size in use
func (cb *CircuitBreaker) GenerationPeriod() time.Duration {
	return cb.generationPeriod
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.listenerMu.Lock()
	defer cb.listenerMu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// RemoveListener removes a state change listener
func (cb *CircuitBreaker) RemoveListener(listener StateChangeListener) {
	cb.listenerMu.Lock()
	defer cb.listenerMu.Unlock()

	for i, l := range cb.listeners {
		if l == listener {
			cb.listeners = append(cb.listeners[:i], cb.listeners[i+1:]...)
			break
		}
	}
}

func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	cb.listenerMu.RLock()
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.listenerMu.RUnlock()

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// Metrics returns circuit breaker metrics
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failures, total := cb.windowLocked()
	return CircuitBreakerMetrics{
		Name:           cb.name,
		State:          cb.state,
		Trips:          cb.trips,
		TotalSamples:   cb.samples,
		TotalFailures:  cb.failures,
		DroppedTags:    cb.dropped,
		WindowFailures: failures,
		WindowTotal:    total,
		Generations:    len(cb.generations),
		LastTrip:       cb.lastTrip,
		Timestamp:      cb.now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name           string
	State          State
	Trips          int64
	TotalSamples   int64
	TotalFailures  int64
	DroppedTags    int64
	WindowFailures int
	WindowTotal    int
	Generations    int
	LastTrip       time.Time
	Timestamp      time.Time
}
