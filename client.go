// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/courier-go/cluster"
	"github.com/glimte/courier-go/health"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/metrics"
	"github.com/glimte/courier-go/persistence"
	"github.com/glimte/courier-go/persistence/memory"
	localtransport "github.com/glimte/courier-go/transports/memory"
)

// Client provides the main entry point for courier: a runtime plus the
// metrics and health surfaces around it.
type Client struct {
	runtime    *messaging.Runtime
	store      persistence.Store
	registry   cluster.Registry
	metrics    *metrics.PrometheusCollector
	health     *health.Registry
	transports []messaging.Transport
	closers    []func() error
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewClient creates a client. The in-memory transport serving local://
// endpoints is always registered.
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:              slog.Default(),
		deadLetterThreshold: 1000,
	}
	for _, opt := range options {
		opt(cfg)
	}

	if cfg.serviceName == "" && cfg.runtimeConfig != nil {
		cfg.serviceName = cfg.runtimeConfig.ServiceName
	}
	if cfg.serviceName == "" {
		cfg.serviceName = "courier"
	}
	if cfg.store == nil {
		cfg.store = memory.NewStore()
	}
	if cfg.registry == nil {
		cfg.registry = cluster.NewMemoryRegistry()
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.NewPrometheusCollector()
	}

	transports := append([]messaging.Transport{localtransport.New(localtransport.WithLogger(cfg.logger))}, cfg.transports...)

	var rtOpts []messaging.Option
	if cfg.runtimeConfig != nil {
		rtOpts = append(rtOpts, messaging.WithConfig(*cfg.runtimeConfig))
	}
	rtOpts = append(rtOpts,
		messaging.WithServiceName(cfg.serviceName),
		messaging.WithLogger(cfg.logger),
		messaging.WithStore(cfg.store),
		messaging.WithRegistry(cfg.registry),
		messaging.WithMetrics(cfg.metrics),
	)
	if cfg.policy != nil {
		rtOpts = append(rtOpts, messaging.WithFailurePolicy(cfg.policy))
	}
	for _, t := range transports {
		rtOpts = append(rtOpts, messaging.WithTransport(t))
	}
	for _, ep := range cfg.endpoints {
		rtOpts = append(rtOpts, messaging.WithEndpoint(ep))
	}
	rtOpts = append(rtOpts, cfg.runtimeOptions...)

	rt, err := messaging.NewRuntime(rtOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	c := &Client{
		runtime:    rt,
		store:      cfg.store,
		registry:   cfg.registry,
		metrics:    cfg.metrics,
		health:     health.NewRegistry(),
		transports: transports,
		closers:    cfg.closers,
		logger:     cfg.logger,
	}
	c.registerChecks(cfg)
	return c, nil
}

func (c *Client) registerChecks(cfg *clientConfig) {
	c.health.SetMetadata("service", cfg.serviceName)
	if admin, ok := c.store.(persistence.Admin); ok {
		c.health.Register(health.NewPingChecker("storage", admin))
	}
	c.health.Register(health.NewPingChecker("cluster", c.registry))
	c.health.Register(health.NewBacklogChecker(c.store, cfg.deadLetterThreshold))
	c.health.Register(health.NewListenerChecker(c.runtime.Listeners))
	c.health.Register(health.NewGoroutineChecker(5000, 50000))
	for _, t := range c.transports {
		if checker := health.NewTransportChecker(t); checker != nil {
			c.health.Register(checker)
		}
	}
}

// Start starts the runtime and reports the node id as health metadata
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if err := c.runtime.Start(ctx); err != nil {
		return err
	}
	c.started = true
	c.health.SetMetadata("node_id", c.runtime.NodeID())
	return nil
}

// Runtime returns the delivery engine
func (c *Client) Runtime() *messaging.Runtime {
	return c.runtime
}

// Store returns the message store
func (c *Client) Store() persistence.Store {
	return c.store
}

// Metrics returns the Prometheus collector
func (c *Client) Metrics() *metrics.PrometheusCollector {
	return c.metrics
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// RegisterHandler registers handler for the type of sample
func (c *Client) RegisterHandler(sample any, handler messaging.MessageHandler, opts ...messaging.HandlerOption) (string, error) {
	return c.runtime.RegisterHandler(sample, handler, opts...)
}

// Send routes msg to its destinations
func (c *Client) Send(ctx context.Context, msg any, opts ...messaging.SendOption) error {
	return c.runtime.Send(ctx, msg, opts...)
}

// Publish is Send without failing when nothing subscribes to msg
func (c *Client) Publish(ctx context.Context, msg any, opts ...messaging.SendOption) error {
	return c.runtime.Publish(ctx, msg, opts...)
}

// Handler serves /metrics, /healthz, /readyz and /livez
func (c *Client) Handler(healthTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	health.Mount(mux, c.health, healthTimeout)
	return mux
}

// RefreshCounts publishes the persisted counts as metrics
func (c *Client) RefreshCounts(ctx context.Context) (persistence.PersistedCounts, error) {
	counts, err := c.store.GetPersistedCounts(ctx)
	if err != nil {
		return counts, err
	}
	c.metrics.PersistedCounts(counts)
	return counts, nil
}

// Close stops the runtime and releases every resource
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	var errs []error
	if started {
		errs = append(errs, c.runtime.Stop(ctx))
	} else {
		for _, t := range c.transports {
			errs = append(errs, t.Close())
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// ErrClientClosed is returned when starting a closed client
var ErrClientClosed = errors.New("courier: client closed")

// clientConfig holds client configuration
type clientConfig struct {
	logger              *slog.Logger
	serviceName         string
	store               persistence.Store
	registry            cluster.Registry
	metrics             *metrics.PrometheusCollector
	transports          []messaging.Transport
	endpoints           []*messaging.Endpoint
	policy              *messaging.FailurePolicy
	runtimeConfig       *messaging.Config
	runtimeOptions      []messaging.Option
	closers             []func() error
	deadLetterThreshold int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName names the service in envelopes and logs
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithStore replaces the in-memory store
func WithStore(store persistence.Store) ClientOption {
	return func(cfg *clientConfig) {
		cfg.store = store
	}
}

// WithRegistry replaces the in-memory node registry
func WithRegistry(registry cluster.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// WithMetrics supplies a collector, e.g. one sharing a registry
func WithMetrics(collector *metrics.PrometheusCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithTransport adds a transport for its scheme
func WithTransport(t messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transports = append(cfg.transports, t)
	}
}

// WithEndpoint declares an endpoint
func WithEndpoint(ep *messaging.Endpoint) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoints = append(cfg.endpoints, ep)
	}
}

// WithFailurePolicy replaces the default failure policy
func WithFailurePolicy(policy *messaging.FailurePolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.policy = policy
	}
}

// WithRuntimeConfig sets the engine configuration
func WithRuntimeConfig(rc messaging.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.runtimeConfig = &rc
	}
}

// WithRuntimeOptions passes options straight to the runtime
func WithRuntimeOptions(opts ...messaging.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.runtimeOptions = append(cfg.runtimeOptions, opts...)
	}
}

// WithCloser runs fn on Close after the runtime stopped, in reverse order
// of registration
func WithCloser(fn func() error) ClientOption {
	return func(cfg *clientConfig) {
		cfg.closers = append(cfg.closers, fn)
	}
}

// WithDeadLetterThreshold degrades health past n dead letters; zero
// disables the limit
func WithDeadLetterThreshold(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetterThreshold = n
	}
}
