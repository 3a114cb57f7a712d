package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/courier-go/cluster"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/persistence"
	"github.com/glimte/courier-go/persistence/memory"
	"github.com/glimte/courier-go/serialization"
)

var (
	ErrRuntimeStarted    = errors.New("messaging: runtime already started")
	ErrRuntimeNotStarted = errors.New("messaging: runtime not started")
)

// UnknownTransportError is returned for an endpoint whose scheme has no
// registered transport
type UnknownTransportError struct {
	Scheme string
}

func (e *UnknownTransportError) Error() string {
	return fmt.Sprintf("messaging: no transport registered for scheme %q", e.Scheme)
}

// Config holds runtime settings
type Config struct {
	ServiceName string `mapstructure:"serviceName"`
	// NodeID is allocated from the cluster registry when zero
	NodeID          int                `mapstructure:"nodeId"`
	MaxParallelism  int                `mapstructure:"maxParallelism"`
	MaximumAttempts int                `mapstructure:"maximumAttempts"`
	Durability      DurabilitySettings `mapstructure:"durability"`
	Sender          SenderSettings     `mapstructure:"sender"`
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		ServiceName:     "courier",
		MaxParallelism:  goruntime.NumCPU(),
		MaximumAttempts: DefaultMaximumAttempts,
		Durability:      DefaultDurabilitySettings(),
		Sender:          DefaultSenderSettings(),
	}
}

// Option configures a Runtime
type Option func(*Runtime)

// WithConfig replaces the runtime configuration
func WithConfig(cfg Config) Option {
	return func(rt *Runtime) { rt.config = cfg }
}

// WithServiceName sets the name stamped as Source on sent envelopes
func WithServiceName(name string) Option {
	return func(rt *Runtime) { rt.config.ServiceName = name }
}

// WithNodeID pins the node id instead of allocating one
func WithNodeID(id int) Option {
	return func(rt *Runtime) { rt.config.NodeID = id }
}

// WithStore sets the envelope storage
func WithStore(store persistence.Store) Option {
	return func(rt *Runtime) { rt.store = store }
}

// WithRegistry sets the cluster lease registry
func WithRegistry(registry cluster.Registry) Option {
	return func(rt *Runtime) { rt.registry = registry }
}

// WithTypeRegistry shares a message type registry
func WithTypeRegistry(registry *serialization.TypeRegistry) Option {
	return func(rt *Runtime) { rt.types = registry }
}

// WithCodecOptions configures the envelope codec
func WithCodecOptions(opts ...serialization.CodecOption) Option {
	return func(rt *Runtime) { rt.codecOpts = append(rt.codecOpts, opts...) }
}

// WithFailurePolicy replaces the default failure policy
func WithFailurePolicy(policy *FailurePolicy) Option {
	return func(rt *Runtime) { rt.policy = policy }
}

// WithTransport registers a transport for its scheme
func WithTransport(t Transport) Option {
	return func(rt *Runtime) { rt.transports[t.Scheme()] = t }
}

// WithEndpoint registers an endpoint
func WithEndpoint(ep *Endpoint) Option {
	return func(rt *Runtime) { rt.endpoints = append(rt.endpoints, ep) }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) { rt.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(rt *Runtime) { rt.metrics = metrics }
}

// WithClock overrides the time source for expiry and scheduling
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) { rt.clock = now }
}

// WithHandlerMiddleware wraps every handler
func WithHandlerMiddleware(middleware ...MiddlewareFunc) Option {
	return func(rt *Runtime) { rt.middleware = append(rt.middleware, middleware...) }
}

// Runtime wires storage, transports, routing and handlers into a running
// node
type Runtime struct {
	config     Config
	logger     *slog.Logger
	metrics    MetricsCollector
	clock      func() time.Time
	store      persistence.Store
	registry   cluster.Registry
	types      *serialization.TypeRegistry
	codecOpts  []serialization.CodecOption
	codec      *serialization.Codec
	router     *Router
	dispatcher *MessageDispatcher
	middleware []MiddlewareFunc
	policy     *FailurePolicy
	executor   *Executor
	scheduler  *LocalScheduler
	durability *DurabilityAgent
	transports map[string]Transport
	endpoints  []*Endpoint

	serviceName string
	nodeID      atomic.Int64

	// lifetime bounds background work of sending agents
	lifetime       context.Context
	cancelLifetime context.CancelFunc

	mu        sync.Mutex
	started   bool
	stopped   bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	loops     sync.WaitGroup
	queues    map[string]*WorkerQueue
	listeners map[string]*ListeningAgent

	sendersMu sync.Mutex
	senders   map[string]SendingAgent
}

// NewRuntime builds a runtime. Storage and the cluster registry default to
// in-memory implementations.
func NewRuntime(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		config:     DefaultConfig(),
		transports: make(map[string]Transport),
		queues:     make(map[string]*WorkerQueue),
		listeners:  make(map[string]*ListeningAgent),
		senders:    make(map[string]SendingAgent),
	}
	for _, opt := range opts {
		opt(rt)
	}

	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.metrics == nil {
		rt.metrics = &NoOpMetricsCollector{}
	}
	if rt.clock == nil {
		rt.clock = time.Now
	}
	if rt.store == nil {
		rt.store = memory.NewStore()
	}
	if rt.registry == nil {
		rt.registry = cluster.NewMemoryRegistry()
	}
	if rt.types == nil {
		rt.types = serialization.NewTypeRegistry()
	}
	if rt.config.MaxParallelism <= 0 {
		rt.config.MaxParallelism = goruntime.NumCPU()
	}
	if rt.config.ServiceName == "" {
		rt.config.ServiceName = "courier"
	}
	rt.serviceName = rt.config.ServiceName
	rt.nodeID.Store(int64(rt.config.NodeID))

	rt.codec = serialization.NewCodec(rt.types, rt.codecOpts...)
	rt.dispatcher = NewMessageDispatcher(rt.types,
		WithDispatcherLogger(rt.logger),
		WithMiddleware(rt.middleware...))
	if err := rt.registerAcknowledgementHandlers(); err != nil {
		return nil, err
	}
	if rt.policy == nil {
		rt.policy = NewFailurePolicy(rt.config.MaximumAttempts)
	}
	rt.router = NewRouter(WithRouterClock(rt.now))

	rt.endpoints = append(rt.endpoints, &Endpoint{
		Name:   "durable",
		URI:    DurableLocalQueue,
		Mode:   ModeDurable,
		Listen: true,
	})
	for _, ep := range rt.endpoints {
		if _, err := rt.router.AddEndpoint(ep); err != nil {
			return nil, err
		}
	}

	rt.executor = newExecutor(rt)
	rt.scheduler = NewLocalScheduler(rt.dispatchScheduled, rt.now, rt.logger.With("component", "scheduler"))
	rt.durability = newDurabilityAgent(rt, rt.registry, rt.config.Durability)
	rt.lifetime, rt.cancelLifetime = context.WithCancel(context.Background())
	return rt, nil
}

// registerAcknowledgementHandlers makes replies to AckRequested envelopes
// land somewhere instead of in dead letter storage
func (rt *Runtime) registerAcknowledgementHandlers() error {
	_, err := Handle(rt.dispatcher, func(ctx context.Context, ack contracts.Acknowledgement) error {
		rt.logger.Debug("acknowledgement received", "correlationId", ack.CorrelationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register acknowledgement handler: %w", err)
	}
	_, err = Handle(rt.dispatcher, func(ctx context.Context, ack contracts.FailureAcknowledgement) error {
		rt.logger.Warn("failure acknowledgement received",
			"correlationId", ack.CorrelationID,
			"reason", ack.Message)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register failure acknowledgement handler: %w", err)
	}
	return nil
}

func (rt *Runtime) now() time.Time {
	return rt.clock()
}

// NodeID returns the id this node owns rows under. Zero before Start when
// no id was configured.
func (rt *Runtime) NodeID() int {
	return int(rt.nodeID.Load())
}

func (rt *Runtime) Router() *Router                           { return rt.router }
func (rt *Runtime) Dispatcher() *MessageDispatcher            { return rt.dispatcher }
func (rt *Runtime) Policy() *FailurePolicy                    { return rt.policy }
func (rt *Runtime) Store() persistence.Store                  { return rt.store }
func (rt *Runtime) Registry() cluster.Registry                { return rt.registry }
func (rt *Runtime) TypeRegistry() *serialization.TypeRegistry { return rt.types }
func (rt *Runtime) Scheduler() *LocalScheduler                { return rt.scheduler }
func (rt *Runtime) Durability() *DurabilityAgent              { return rt.durability }
func (rt *Runtime) Logger() *slog.Logger                      { return rt.logger }

// RegisterHandler registers handler for the type of sample. WithQueue also
// subscribes the type to that local queue, starting a listener for it if
// the runtime is already running.
func (rt *Runtime) RegisterHandler(sample any, handler MessageHandler, opts ...HandlerOption) (string, error) {
	typeName, err := rt.dispatcher.RegisterHandler(sample, handler, opts...)
	if err != nil {
		return "", err
	}

	var options HandlerOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.Queue == "" {
		return typeName, nil
	}

	mode := ModeBuffered
	if options.Durable {
		mode = ModeDurable
	}
	ep, err := rt.router.AddEndpoint(&Endpoint{
		URI:    LocalQueueURI(options.Queue),
		Mode:   mode,
		Listen: true,
	})
	if err != nil {
		return "", err
	}
	if err := rt.router.Subscribe(typeName, ep); err != nil {
		return "", err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started && !rt.stopped {
		if _, running := rt.listeners[ep.URI]; !running {
			if err := rt.startEndpointLocked(ep); err != nil {
				return "", err
			}
		}
	}
	return typeName, nil
}

// Start allocates the node id and starts listeners, the local scheduler and
// the durability agent. Background work stops when ctx is cancelled or Stop
// is called.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return ErrRuntimeStarted
	}

	for _, ep := range rt.router.Endpoints() {
		if _, ok := rt.transports[ep.Scheme()]; !ok && ep.Listen {
			return &UnknownTransportError{Scheme: ep.Scheme()}
		}
	}

	if rt.NodeID() == 0 {
		id, err := rt.registry.NextNodeID(ctx)
		if err != nil {
			return fmt.Errorf("allocate node id: %w", err)
		}
		rt.nodeID.Store(int64(id))
	}
	if err := rt.registry.Heartbeat(ctx, rt.NodeID(), rt.durability.settings.NodeLeaseTTL); err != nil {
		return fmt.Errorf("register node %d: %w", rt.NodeID(), err)
	}
	rt.logger = rt.logger.With("nodeId", rt.NodeID())

	rt.runCtx, rt.cancelRun = context.WithCancel(ctx)
	rt.started = true

	for _, ep := range rt.router.Endpoints() {
		if !ep.Listen {
			continue
		}
		if err := rt.startEndpointLocked(ep); err != nil {
			rt.cancelRun()
			return err
		}
	}

	rt.loops.Add(2)
	go func() {
		defer rt.loops.Done()
		if err := rt.scheduler.Run(rt.runCtx); err != nil {
			rt.logger.Error("local scheduler stopped", "error", err)
		}
	}()
	go func() {
		defer rt.loops.Done()
		if err := rt.durability.Run(rt.runCtx); err != nil {
			rt.logger.Error("durability agent stopped", "error", err)
		}
	}()

	rt.logger.Info("runtime started",
		"service", rt.serviceName,
		"listeners", len(rt.listeners))
	return nil
}

func (rt *Runtime) startEndpointLocked(ep *Endpoint) error {
	transport, ok := rt.transports[ep.Scheme()]
	if !ok {
		return &UnknownTransportError{Scheme: ep.Scheme()}
	}
	queue := newWorkerQueue(rt, ep)
	agent, err := newListeningAgent(rt, ep, transport, queue)
	if err != nil {
		return err
	}
	rt.queues[ep.URI] = queue
	rt.listeners[ep.URI] = agent
	if err := agent.Run(rt.runCtx); err != nil {
		return fmt.Errorf("start listener %s: %w", ep, err)
	}
	return nil
}

// Stop drains listeners, releases this node's rows to the cluster and
// closes senders and transports
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.started || rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	listeners := make([]*ListeningAgent, 0, len(rt.listeners))
	for _, agent := range rt.listeners {
		listeners = append(listeners, agent)
	}
	rt.mu.Unlock()

	var errs []error
	for _, agent := range listeners {
		if err := agent.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", agent.Endpoint(), err))
		}
	}

	rt.cancelRun()
	rt.loops.Wait()

	if err := rt.durability.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	rt.cancelLifetime()
	rt.sendersMu.Lock()
	for key, agent := range rt.senders {
		if err := agent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sender %s: %w", agent.Destination(), err))
		}
		delete(rt.senders, key)
	}
	rt.sendersMu.Unlock()

	for scheme, t := range rt.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport %s: %w", scheme, err))
		}
	}

	rt.logger.Info("runtime stopped")
	return errors.Join(errs...)
}

// Listeners returns the running listening agents
func (rt *Runtime) Listeners() []*ListeningAgent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*ListeningAgent, 0, len(rt.listeners))
	for _, agent := range rt.listeners {
		out = append(out, agent)
	}
	return out
}

// ListeningAgent returns the agent listening on uri
func (rt *Runtime) ListeningAgent(uri string) (*ListeningAgent, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	agent, ok := rt.listeners[NormalizeURI(uri)]
	return agent, ok
}

func (rt *Runtime) workerQueueFor(uri string) *WorkerQueue {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.queues[NormalizeURI(uri)]
}

// NewContext returns the message context bound to ctx, creating one when
// ctx carries none
func (rt *Runtime) NewContext(ctx context.Context) (context.Context, *MessageContext) {
	if mc, ok := FromContext(ctx); ok {
		return ctx, mc
	}
	mc := newMessageContext(rt, nil)
	return ContextWith(ctx, mc), mc
}

func (rt *Runtime) handlerContext(env *contracts.Envelope, pauser reliability.Pauser) *MessageContext {
	mc := newMessageContext(rt, env)
	mc.pauser = pauser
	return mc
}

// Send routes msg by its type
func (rt *Runtime) Send(ctx context.Context, msg any, opts ...SendOption) error {
	ctx, mc := rt.NewContext(ctx)
	return mc.Send(ctx, msg, opts...)
}

// Publish routes msg by its type and ignores a missing route
func (rt *Runtime) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	ctx, mc := rt.NewContext(ctx)
	return mc.Publish(ctx, msg, opts...)
}

// SendToEndpoint sends msg to the named endpoint
func (rt *Runtime) SendToEndpoint(ctx context.Context, name string, msg any, opts ...SendOption) error {
	ctx, mc := rt.NewContext(ctx)
	return mc.SendToEndpoint(ctx, name, msg, opts...)
}

// SendToDestination sends msg to uri
func (rt *Runtime) SendToDestination(ctx context.Context, uri string, msg any, opts ...SendOption) error {
	ctx, mc := rt.NewContext(ctx)
	return mc.SendToDestination(ctx, uri, msg, opts...)
}

// SendToTopic sends msg to the endpoints routed for topic
func (rt *Runtime) SendToTopic(ctx context.Context, topic string, msg any, opts ...SendOption) error {
	ctx, mc := rt.NewContext(ctx)
	return mc.SendToTopic(ctx, topic, msg, opts...)
}

// Schedule sends msg for execution at at
func (rt *Runtime) Schedule(ctx context.Context, msg any, at time.Time, opts ...SendOption) error {
	ctx, mc := rt.NewContext(ctx)
	return mc.Schedule(ctx, msg, at, opts...)
}

// SendingAgentFor returns the agent sending to uri, creating it on first
// use. Durable and buffered agents for the same uri are distinct.
func (rt *Runtime) SendingAgentFor(uri string, durable bool) (SendingAgent, error) {
	key := "buffered|" + NormalizeURI(uri)
	if durable {
		key = "durable|" + NormalizeURI(uri)
	}

	rt.sendersMu.Lock()
	defer rt.sendersMu.Unlock()
	if agent, ok := rt.senders[key]; ok {
		return agent, nil
	}

	ep, err := rt.router.EndpointForURI(uri)
	if err != nil {
		return nil, err
	}
	transport, ok := rt.transports[ep.Scheme()]
	if !ok {
		return nil, &UnknownTransportError{Scheme: ep.Scheme()}
	}
	sender, err := transport.Sender(ep)
	if err != nil {
		return nil, fmt.Errorf("create sender for %s: %w", ep.URI, err)
	}

	var agent SendingAgent
	if durable {
		agent = newDurableSendingAgent(rt, sender)
	} else {
		settings := rt.config.Sender
		if ep.MaximumEnvelopeRetryStorage > 0 {
			settings.MaximumEnvelopeRetryStorage = ep.MaximumEnvelopeRetryStorage
		}
		agent = newBufferedSendingAgent(rt.lifetime, rt, sender, settings)
	}
	rt.senders[key] = agent
	return agent, nil
}

// routeIncoming hands a stored incoming envelope owned by this node to the
// queue that should execute it. Envelopes for remote destinations are moved
// to the outbox and sent.
func (rt *Runtime) routeIncoming(ctx context.Context, env *contracts.Envelope) error {
	env.OwnerID = rt.NodeID()
	env.Durable = true

	if q := rt.workerQueueFor(env.Destination); q != nil && q.durable {
		return q.Enqueue(ctx, env)
	}
	if scheme, _, err := SplitURI(env.Destination); err != nil || scheme == LocalScheme {
		q := rt.workerQueueFor(DurableLocalQueue)
		if q == nil {
			return ErrRuntimeNotStarted
		}
		return q.Enqueue(ctx, env)
	}

	env.MarkOutgoing()
	if err := rt.store.StoreOutgoing(ctx, env, rt.NodeID()); err != nil {
		return err
	}
	if err := rt.store.DeleteIncoming(ctx, env); err != nil {
		return err
	}
	agent, err := rt.SendingAgentFor(env.Destination, true)
	if err != nil {
		return err
	}
	return agent.Enqueue(ctx, env)
}

// dispatchScheduled releases an envelope held by the local scheduler
func (rt *Runtime) dispatchScheduled(ctx context.Context, env *contracts.Envelope) error {
	if q := rt.workerQueueFor(env.Destination); q != nil {
		if q.durable {
			return q.Receive(ctx, nil, env)
		}
		return q.Enqueue(ctx, env)
	}

	env.MarkOutgoing()
	agent, err := rt.SendingAgentFor(env.Destination, false)
	if err != nil {
		return err
	}
	return agent.Enqueue(ctx, env)
}
