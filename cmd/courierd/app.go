package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	courier "github.com/glimte/courier-go"
	"github.com/glimte/courier-go/cluster"
	"github.com/glimte/courier-go/internal/config"
	"github.com/glimte/courier-go/internal/logging"
	irabbit "github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/internal/tracing"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/persistence"
	"github.com/glimte/courier-go/persistence/memory"
	"github.com/glimte/courier-go/persistence/postgres"
	"github.com/glimte/courier-go/transports/kafka"
	"github.com/glimte/courier-go/transports/rabbitmq"
)

const countsInterval = 15 * time.Second

type App struct {
	cfg    *config.Config
	log    *logging.Logger
	client *courier.Client
	tracer *tracing.TracerProvider
	server *http.Server
}

func NewApp(cfg *config.Config, log *logging.Logger) *App {
	return &App{cfg: cfg, log: log}
}

// Initialize opens storage, the node registry and the transports and
// builds the client around them
func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.cfg.Tracing, a.cfg.Service.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tp

	opts := []courier.ClientOption{
		courier.WithLogger(a.log.Logger),
		courier.WithRuntimeConfig(a.cfg.Runtime()),
		courier.WithFailurePolicy(a.cfg.FailurePolicy()),
	}
	if chain := a.cfg.Interceptors(a.log.With("component", "handlers")); chain.Len() > 0 {
		opts = append(opts, courier.WithRuntimeOptions(messaging.WithHandlerMiddleware(chain.Middleware())))
	}

	store, closeStore, err := openStore(ctx, a.cfg.Storage, a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	opts = append(opts, courier.WithStore(store), courier.WithCloser(closeStore))

	registry, closeRegistry, err := openRegistry(a.cfg.Cluster)
	if err != nil {
		return fmt.Errorf("failed to initialize cluster registry: %w", err)
	}
	opts = append(opts, courier.WithRegistry(registry), courier.WithCloser(closeRegistry))

	for _, t := range buildTransports(a.cfg, a.log) {
		opts = append(opts, courier.WithTransport(t))
	}

	endpoints, err := a.cfg.RuntimeEndpoints()
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		opts = append(opts, courier.WithEndpoint(ep))
	}

	client, err := courier.NewClient(opts...)
	if err != nil {
		return err
	}
	a.client = client

	if a.cfg.HTTP.Addr != "" {
		a.server = &http.Server{
			Addr:         a.cfg.HTTP.Addr,
			Handler:      client.Handler(a.cfg.HTTP.HealthTimeout),
			ReadTimeout:  a.cfg.HTTP.ReadTimeout,
			WriteTimeout: a.cfg.HTTP.WriteTimeout,
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, log *logging.Logger) (persistence.Store, func() error, error) {
	if cfg.Driver != config.DriverPostgres {
		return memory.NewStore(), func() error { return nil }, nil
	}

	store, err := postgres.Open(ctx, cfg.Postgres.DSN, postgres.WithLogger(log.With("component", "postgres")))
	if err != nil {
		return nil, nil, err
	}
	db := store.DB()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if cfg.Postgres.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store, store.Close, nil
}

func openRegistry(cfg config.ClusterConfig) (cluster.Registry, func() error, error) {
	if cfg.Driver != config.DriverRedis {
		return cluster.NewMemoryRegistry(), func() error { return nil }, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return cluster.NewRedisRegistry(client, cluster.WithKeyPrefix(cfg.Redis.KeyPrefix)), client.Close, nil
}

func buildTransports(cfg *config.Config, log *logging.Logger) []messaging.Transport {
	var transports []messaging.Transport

	if rc := cfg.Transports.RabbitMQ; rc.URL != "" {
		logger := log.With("transport", rabbitmq.Scheme)
		opts := []rabbitmq.Option{
			rabbitmq.WithLogger(logger),
			rabbitmq.WithPrefetchCount(rc.PrefetchCount),
			rabbitmq.WithAutoProvision(rc.AutoProvision, rc.ExchangeType),
			rabbitmq.WithConnectionOptions(
				irabbit.WithLogger(logger),
				irabbit.WithReconnectDelay(rc.ReconnectDelay),
				irabbit.WithMaxReconnectDelay(rc.MaxReconnectDelay),
				irabbit.WithMaxRetries(rc.MaxReconnectAttempts),
			),
			rabbitmq.WithChannelPoolOptions(irabbit.WithMaxSize(rc.ChannelPoolSize)),
			rabbitmq.WithPublisherOptions(irabbit.WithConfirmTimeout(rc.ConfirmTimeout)),
		}
		for _, b := range rc.Bindings {
			opts = append(opts, rabbitmq.WithBinding(b.Queue, b.Exchange, b.RoutingKey))
		}
		transports = append(transports, rabbitmq.New(rc.URL, opts...))
	}

	if len(cfg.Transports.Kafka.Brokers) > 0 {
		transports = append(transports, kafka.New(cfg.Kafka(), kafka.WithLogger(log.With("transport", kafka.Scheme))))
	}
	return transports
}

// Run starts the runtime and serves HTTP until ctx ends, then stops
// everything in order
func (a *App) Run(ctx context.Context) error {
	if err := a.client.Start(ctx); err != nil {
		_ = a.client.Close(context.Background())
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	a.log.Info("runtime running",
		"service", a.cfg.Service.Name,
		"nodeId", a.client.Runtime().NodeID())

	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.log.Info("HTTP server starting", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(countsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if _, err := a.client.RefreshCounts(gCtx); err != nil && gCtx.Err() == nil {
					a.log.Warn("failed to refresh persisted counts", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	errs = append(errs, a.client.Close(ctx))
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
