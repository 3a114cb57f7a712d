package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/courier-go/cluster"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/persistence"
)

// DurabilitySettings tunes the durability agent
type DurabilitySettings struct {
	ScheduledJobPollingInterval time.Duration `mapstructure:"scheduledJobPollingInterval"`
	RecoveryPollingInterval     time.Duration `mapstructure:"recoveryPollingInterval"`
	RecoveryBatchSize           int           `mapstructure:"recoveryBatchSize"`
	NodeLeaseTTL                time.Duration `mapstructure:"nodeLeaseTtl"`

	// RetryDelay is the linear step between storage retries
	RetryDelay    time.Duration `mapstructure:"retryDelay"`
	MaxRetryDelay time.Duration `mapstructure:"maxRetryDelay"`
}

// DefaultDurabilitySettings returns the settings used when none are given
func DefaultDurabilitySettings() DurabilitySettings {
	return DurabilitySettings{
		ScheduledJobPollingInterval: 5 * time.Second,
		RecoveryPollingInterval:     5 * time.Second,
		RecoveryBatchSize:           100,
		NodeLeaseTTL:                30 * time.Second,
		RetryDelay:                  250 * time.Millisecond,
		MaxRetryDelay:               10 * time.Second,
	}
}

func (s DurabilitySettings) withDefaults() DurabilitySettings {
	d := DefaultDurabilitySettings()
	if s.ScheduledJobPollingInterval <= 0 {
		s.ScheduledJobPollingInterval = d.ScheduledJobPollingInterval
	}
	if s.RecoveryPollingInterval <= 0 {
		s.RecoveryPollingInterval = d.RecoveryPollingInterval
	}
	if s.RecoveryBatchSize <= 0 {
		s.RecoveryBatchSize = d.RecoveryBatchSize
	}
	if s.NodeLeaseTTL <= 0 {
		s.NodeLeaseTTL = d.NodeLeaseTTL
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.MaxRetryDelay <= 0 {
		s.MaxRetryDelay = d.MaxRetryDelay
	}
	return s
}

// DurabilityAgent reconciles storage with the running node. It releases due
// scheduled envelopes, keeps the node lease alive and claims the inbox and
// outbox rows of nodes whose lease has lapsed.
type DurabilityAgent struct {
	runtime  *Runtime
	store    persistence.Store
	registry cluster.Registry
	settings DurabilitySettings
	logger   *slog.Logger
}

func newDurabilityAgent(rt *Runtime, registry cluster.Registry, settings DurabilitySettings) *DurabilityAgent {
	return &DurabilityAgent{
		runtime:  rt,
		store:    rt.store,
		registry: registry,
		settings: settings.withDefaults(),
		logger:   rt.logger.With("component", "durability"),
	}
}

// Run polls until ctx is done
func (a *DurabilityAgent) Run(ctx context.Context) error {
	scheduled := time.NewTicker(a.settings.ScheduledJobPollingInterval)
	defer scheduled.Stop()
	recovery := time.NewTicker(a.settings.RecoveryPollingInterval)
	defer recovery.Stop()

	a.tick(ctx, "recovery", a.RunRecovery)
	a.tick(ctx, "scheduled jobs", a.RunScheduledJobs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scheduled.C:
			a.tick(ctx, "scheduled jobs", a.RunScheduledJobs)
		case <-recovery.C:
			a.tick(ctx, "recovery", a.RunRecovery)
		}
	}
}

// tick runs one pass and keeps the loop alive whatever it does
func (a *DurabilityAgent) tick(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("durability pass panicked", "pass", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("durability pass failed", "pass", name, "error", err)
	}
}

func (a *DurabilityAgent) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return reliability.RetryForever(ctx, op, a.settings.RetryDelay, a.settings.MaxRetryDelay, fn,
		func(err error, attempt int, wait time.Duration) {
			a.logger.Warn("storage operation failed, retrying",
				"operation", op,
				"attempt", attempt,
				"wait", wait,
				"error", err)
		})
}

// RunScheduledJobs claims scheduled envelopes that are due and dispatches
// them
func (a *DurabilityAgent) RunScheduledJobs(ctx context.Context) error {
	rt := a.runtime
	for {
		var ready []*contracts.Envelope
		err := a.retry(ctx, "load ready scheduled", func(ctx context.Context) error {
			var err error
			ready, err = a.store.LoadReadyScheduled(ctx, rt.now(), rt.NodeID(), a.settings.RecoveryBatchSize)
			return err
		})
		if err != nil {
			return err
		}

		for _, env := range ready {
			if err := rt.routeIncoming(ctx, env); err != nil {
				a.logger.Error("failed to dispatch scheduled envelope", "envelopeId", env.ID, "error", err)
				a.release(ctx, env)
			}
		}
		if len(ready) < a.settings.RecoveryBatchSize {
			return nil
		}
	}
}

// RunRecovery refreshes the node lease, then claims work left by dead
// nodes and work released to any node
func (a *DurabilityAgent) RunRecovery(ctx context.Context) error {
	self := a.runtime.NodeID()

	if a.registry != nil {
		if err := a.registry.Heartbeat(ctx, self, a.settings.NodeLeaseTTL); err != nil {
			a.logger.Warn("failed to refresh node lease", "nodeId", self, "error", err)
		}
	}

	owners, err := a.abandonedOwners(ctx, self)
	if err != nil {
		return err
	}

	for _, owner := range owners {
		if err := a.recoverIncoming(ctx, owner, self); err != nil {
			return err
		}
		if err := a.recoverOutgoing(ctx, owner, self); err != nil {
			return err
		}
	}

	var counts persistence.PersistedCounts
	err = a.retry(ctx, "persisted counts", func(ctx context.Context) error {
		var err error
		counts, err = a.store.GetPersistedCounts(ctx)
		return err
	})
	if err != nil {
		return err
	}
	a.runtime.metrics.PersistedCounts(counts)
	return nil
}

// abandonedOwners returns AnyNode plus every owner other than self whose
// lease is gone
func (a *DurabilityAgent) abandonedOwners(ctx context.Context, self int) ([]int, error) {
	var owners []int
	err := a.retry(ctx, "list owners", func(ctx context.Context) error {
		var err error
		owners, err = a.store.Owners(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	abandoned := []int{contracts.AnyNode}
	for _, owner := range owners {
		if owner == self || owner == contracts.AnyNode {
			continue
		}
		alive := false
		if a.registry != nil {
			alive, err = a.registry.Alive(ctx, owner)
			if err != nil {
				a.logger.Warn("failed to check node lease", "nodeId", owner, "error", err)
				continue
			}
		}
		if !alive {
			abandoned = append(abandoned, owner)
		}
	}
	return abandoned, nil
}

func (a *DurabilityAgent) recoverIncoming(ctx context.Context, owner, self int) error {
	for {
		var claimed []*contracts.Envelope
		err := a.retry(ctx, "claim incoming", func(ctx context.Context) error {
			var err error
			claimed, err = a.store.ClaimIncoming(ctx, owner, self, a.settings.RecoveryBatchSize)
			return err
		})
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		a.logger.Info("recovered incoming envelopes", "fromNode", owner, "count", len(claimed))
		a.runtime.metrics.EnvelopesRecovered("incoming", len(claimed))

		released := false
		for _, env := range claimed {
			if err := a.runtime.routeIncoming(ctx, env); err != nil {
				a.logger.Error("failed to enqueue recovered envelope", "envelopeId", env.ID, "error", err)
				a.release(ctx, env)
				released = true
			}
		}
		// released rows wait for the next pass instead of being claimed again
		if released || len(claimed) < a.settings.RecoveryBatchSize {
			return nil
		}
	}
}

// release gives an incoming envelope this node could not queue back to any
// node
func (a *DurabilityAgent) release(ctx context.Context, env *contracts.Envelope) {
	if err := a.store.ReleaseIncoming(ctx, env); err != nil {
		a.logger.Warn("failed to release incoming envelope", "envelopeId", env.ID, "error", err)
	}
}

func (a *DurabilityAgent) recoverOutgoing(ctx context.Context, owner, self int) error {
	for {
		var claimed []*contracts.Envelope
		err := a.retry(ctx, "claim outgoing", func(ctx context.Context) error {
			var err error
			claimed, err = a.store.ClaimOutgoing(ctx, owner, self, a.settings.RecoveryBatchSize)
			return err
		})
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		a.logger.Info("recovered outgoing envelopes", "fromNode", owner, "count", len(claimed))
		a.runtime.metrics.EnvelopesRecovered("outgoing", len(claimed))

		now := a.runtime.now()
		var expired, live []*contracts.Envelope
		for _, env := range claimed {
			if env.IsExpired(now) {
				expired = append(expired, env)
			} else {
				live = append(live, env)
			}
		}

		if len(expired) > 0 {
			err := a.retry(ctx, "delete expired outgoing", func(ctx context.Context) error {
				return a.store.DeleteOutgoing(ctx, expired...)
			})
			if err != nil {
				return err
			}
			a.logger.Info("discarded expired outgoing envelopes", "count", len(expired))
			a.runtime.metrics.EnvelopeDiscarded("expired", len(expired))
		}

		failed := 0
		for _, env := range live {
			if !a.resend(ctx, env) {
				failed++
			}
		}
		// failed envelopes go back to AnyNode; leave them for the next pass
		if failed > 0 || len(claimed) < a.settings.RecoveryBatchSize {
			return nil
		}
	}
}

func (a *DurabilityAgent) resend(ctx context.Context, env *contracts.Envelope) bool {
	agent, err := a.runtime.SendingAgentFor(env.Destination, true)
	if err != nil {
		a.logger.Error("no sender for recovered envelope",
			"envelopeId", env.ID,
			"destination", env.Destination,
			"error", err)
		return false
	}
	env.Durable = true
	if err := agent.Enqueue(ctx, env); err != nil {
		a.logger.Warn("failed to send recovered envelope", "envelopeId", env.ID, "error", err)
		return false
	}
	return true
}

// Shutdown gives every row this node owns back to the cluster and drops
// the node lease
func (a *DurabilityAgent) Shutdown(ctx context.Context) error {
	self := a.runtime.NodeID()
	if err := a.store.ReleaseOwnership(ctx, self); err != nil {
		return fmt.Errorf("release ownership of node %d: %w", self, err)
	}
	if a.registry != nil {
		if err := a.registry.Deregister(ctx, self); err != nil {
			return fmt.Errorf("deregister node %d: %w", self, err)
		}
	}
	a.logger.Info("released node ownership", "nodeId", self)
	return nil
}
