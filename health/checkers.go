package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/persistence"
)

// Pinger is satisfied by the storage admin and the cluster registries
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionChecker is satisfied by transports that hold broker connections
type ConnectionChecker interface {
	Check(ctx context.Context) error
}

func newResult(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}, start
}

func unhealthy(result CheckResult, start time.Time, message string, err error) CheckResult {
	result.Status = StatusUnhealthy
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// PingChecker reports unhealthy when Ping fails
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker checks a store or a node registry
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.name)
	if err := c.pinger.Ping(ctx); err != nil {
		return unhealthy(result, start, fmt.Sprintf("%s is not reachable", c.name), err)
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%s is reachable", c.name)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// TransportChecker checks the broker connection of a transport
type TransportChecker struct {
	transport messaging.Transport
	checker   ConnectionChecker
}

// NewTransportChecker returns nil for transports without a connection
// check, such as the in-memory one.
func NewTransportChecker(transport messaging.Transport) *TransportChecker {
	checker, ok := transport.(ConnectionChecker)
	if !ok {
		return nil
	}
	return &TransportChecker{transport: transport, checker: checker}
}

func (c *TransportChecker) Name() string {
	return "transport_" + c.transport.Scheme()
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	result.Details["scheme"] = c.transport.Scheme()
	if err := c.checker.Check(ctx); err != nil {
		return unhealthy(result, start, "broker connection is not usable", err)
	}
	result.Status = StatusHealthy
	result.Message = "broker connection is healthy"
	result.Duration = time.Since(start)
	return result
}

// ListenerChecker reports degraded while any listening agent is paused or
// stopped.
type ListenerChecker struct {
	agents func() []*messaging.ListeningAgent
}

func NewListenerChecker(agents func() []*messaging.ListeningAgent) *ListenerChecker {
	return &ListenerChecker{agents: agents}
}

func (c *ListenerChecker) Name() string { return "listeners" }

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	result.Status = StatusHealthy
	result.Message = "all listeners are accepting"

	stopped := 0
	for _, agent := range c.agents() {
		uri := agent.Endpoint().URI
		status := agent.Status()
		detail := map[string]any{
			"status":       status.String(),
			"queue_length": agent.Queue().QueuedCount(),
		}
		if resumeAt := agent.ResumeAt(); !resumeAt.IsZero() {
			detail["resume_at"] = resumeAt
		}
		result.Details[uri] = detail
		if status != messaging.ListenerAccepting {
			stopped++
		}
	}
	if stopped > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d listener(s) not accepting", stopped)
	}
	result.Duration = time.Since(start)
	return result
}

// BacklogChecker reports persisted counts and degrades once dead letters
// pile up past the threshold. A threshold of zero disables the limit.
type BacklogChecker struct {
	store               persistence.DiagnosticsStore
	deadLetterThreshold int
}

func NewBacklogChecker(store persistence.DiagnosticsStore, deadLetterThreshold int) *BacklogChecker {
	return &BacklogChecker{store: store, deadLetterThreshold: deadLetterThreshold}
}

func (c *BacklogChecker) Name() string { return "backlog" }

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())
	counts, err := c.store.GetPersistedCounts(ctx)
	if err != nil {
		return unhealthy(result, start, "failed to read persisted counts", err)
	}

	result.Details["incoming"] = counts.Incoming
	result.Details["scheduled"] = counts.Scheduled
	result.Details["outgoing"] = counts.Outgoing
	result.Details["dead_letter"] = counts.DeadLetter
	result.Status = StatusHealthy
	result.Message = "backlog within limits"
	if c.deadLetterThreshold > 0 && counts.DeadLetter > c.deadLetterThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d dead letters exceed %d", counts.DeadLetter, c.deadLetterThreshold)
	}
	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker watches the goroutine count
type GoroutineChecker struct {
	warning  int
	critical int
}

func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string { return "goroutines" }

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}
	result.Duration = time.Since(start)
	return result
}
