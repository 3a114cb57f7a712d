package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/transports/kafka"
)

// EnvPrefix prefixes every environment override, e.g.
// COURIER_STORAGE_POSTGRES_DSN.
const EnvPrefix = "COURIER"

// Load reads configFile when given, applies environment overrides and
// validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	normalize(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration Load produces without a file or
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	runtime := messaging.DefaultConfig()
	durability := messaging.DefaultDurabilitySettings()
	sender := messaging.DefaultSenderSettings()
	breaker := reliability.DefaultCircuitBreakerSettings()
	kc := kafka.DefaultConfig()

	v.SetDefault("service.name", runtime.ServiceName)
	v.SetDefault("node.id", 0)
	v.SetDefault("node.maxParallelism", runtime.MaxParallelism)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.maxOpenConns", 20)
	v.SetDefault("storage.postgres.maxIdleConns", 5)
	v.SetDefault("storage.postgres.connMaxLifetime", "30m")
	v.SetDefault("storage.postgres.migrateOnStart", true)

	v.SetDefault("cluster.driver", DriverMemory)
	v.SetDefault("cluster.redis.addrs", []string{})
	v.SetDefault("cluster.redis.password", "")
	v.SetDefault("cluster.redis.db", 0)
	v.SetDefault("cluster.redis.keyPrefix", "courier")

	v.SetDefault("durability.scheduledJobPollingInterval", durability.ScheduledJobPollingInterval)
	v.SetDefault("durability.recoveryPollingInterval", durability.RecoveryPollingInterval)
	v.SetDefault("durability.recoveryBatchSize", durability.RecoveryBatchSize)
	v.SetDefault("durability.nodeLeaseTtl", durability.NodeLeaseTTL)
	v.SetDefault("durability.retryDelay", durability.RetryDelay)
	v.SetDefault("durability.maxRetryDelay", durability.MaxRetryDelay)

	v.SetDefault("errorHandling.maximumAttempts", runtime.MaximumAttempts)

	v.SetDefault("circuitBreaker.trackingPeriod", breaker.TrackingPeriod)
	v.SetDefault("circuitBreaker.samplingPeriod", breaker.SamplingPeriod)
	v.SetDefault("circuitBreaker.minimumThreshold", breaker.MinimumThreshold)
	v.SetDefault("circuitBreaker.failurePercentageThreshold", breaker.FailurePercentageThreshold)
	v.SetDefault("circuitBreaker.pauseTime", breaker.PauseTime)

	v.SetDefault("sender.failuresBeforeLatch", sender.FailuresBeforeLatch)
	v.SetDefault("sender.maximumEnvelopeRetryStorage", sender.MaximumEnvelopeRetryStorage)
	v.SetDefault("sender.pingInitialInterval", sender.PingInitialInterval)
	v.SetDefault("sender.pingMaxInterval", sender.PingMaxInterval)

	v.SetDefault("transports.rabbitmq.url", "")
	v.SetDefault("transports.rabbitmq.prefetchCount", 20)
	v.SetDefault("transports.rabbitmq.autoProvision", false)
	v.SetDefault("transports.rabbitmq.exchangeType", "topic")
	v.SetDefault("transports.rabbitmq.reconnectDelay", "1s")
	v.SetDefault("transports.rabbitmq.maxReconnectDelay", "1m")
	v.SetDefault("transports.rabbitmq.maxReconnectAttempts", 0)
	v.SetDefault("transports.rabbitmq.channelPoolSize", 10)
	v.SetDefault("transports.rabbitmq.confirmTimeout", "5s")

	v.SetDefault("transports.kafka.brokers", []string{})
	v.SetDefault("transports.kafka.groupId", kc.GroupID)
	v.SetDefault("transports.kafka.batchTimeout", kc.BatchTimeout)
	v.SetDefault("transports.kafka.writeTimeout", kc.WriteTimeout)
	v.SetDefault("transports.kafka.redeliveryDelay", kc.RedeliveryDelay)
	v.SetDefault("transports.kafka.allowAutoTopicCreation", false)

	v.SetDefault("handlers.timeout", "0s")
	v.SetDefault("handlers.log", true)
	v.SetDefault("handlers.validate", true)
	v.SetDefault("handlers.skipTypes", []string{})
	v.SetDefault("handlers.rateLimit.rps", 0)
	v.SetDefault("handlers.rateLimit.burst", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp.endpoint", "localhost:4317")
	v.SetDefault("tracing.otlp.insecure", true)
	v.SetDefault("tracing.sampler.type", "parentbased_always_on")
	v.SetDefault("tracing.sampler.param", 1.0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "10s")
	v.SetDefault("http.writeTimeout", "10s")
	v.SetDefault("http.healthTimeout", "5s")
}

// normalize splits comma separated lists that arrive as a single
// environment value.
func normalize(cfg *Config) {
	cfg.Transports.Kafka.Brokers = splitList(cfg.Transports.Kafka.Brokers)
	cfg.Cluster.Redis.Addrs = splitList(cfg.Cluster.Redis.Addrs)
	cfg.Handlers.SkipTypes = splitList(cfg.Handlers.SkipTypes)
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Cluster.Driver = strings.ToLower(strings.TrimSpace(cfg.Cluster.Driver))
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ValidationError names the offending key
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Validate checks settings that cannot be fixed by defaults
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Storage.Postgres.DSN == "" {
			add("storage.postgres.dsn", "required when storage.driver is postgres")
		}
	default:
		add("storage.driver", "must be memory or postgres, got %q", cfg.Storage.Driver)
	}

	switch cfg.Cluster.Driver {
	case DriverMemory:
	case DriverRedis:
		if len(cfg.Cluster.Redis.Addrs) == 0 {
			add("cluster.redis.addrs", "required when cluster.driver is redis")
		}
	default:
		add("cluster.driver", "must be memory or redis, got %q", cfg.Cluster.Driver)
	}

	if cfg.Node.ID < 0 {
		add("node.id", "must not be negative")
	}
	if cfg.ErrorHandling.MaximumAttempts < 1 {
		add("errorHandling.maximumAttempts", "must be at least 1, got %d", cfg.ErrorHandling.MaximumAttempts)
	}
	if p := cfg.CircuitBreaker.FailurePercentageThreshold; p < 1 || p > 100 {
		add("circuitBreaker.failurePercentageThreshold", "must be between 1 and 100, got %d", p)
	}

	for i, rule := range cfg.ErrorHandling.Rules {
		field := fmt.Sprintf("errorHandling.rules[%d]", i)
		switch rule.Then {
		case "", ThenDeadLetter, ThenRequeue:
		case ThenPause:
			if rule.PauseDuration <= 0 {
				add(field+".pauseDuration", "required when then is pause")
			}
		default:
			add(field+".then", "must be deadLetter, requeue or pause, got %q", rule.Then)
		}
	}

	if cfg.Handlers.Timeout < 0 {
		add("handlers.timeout", "must not be negative")
	}
	if rl := cfg.Handlers.RateLimit; rl.RPS < 0 || rl.Burst < 0 {
		add("handlers.rateLimit", "rps and burst must not be negative")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.OTLP.Endpoint == "" {
		add("tracing.otlp.endpoint", "required when tracing is enabled")
	}
	switch cfg.Tracing.Sampler.Type {
	case "", "always_on", "always_off", "parentbased_always_on":
	case "traceidratio", "parentbased_traceidratio":
		if p := cfg.Tracing.Sampler.Param; p < 0 || p > 1 {
			add("tracing.sampler.param", "must be between 0 and 1, got %v", p)
		}
	default:
		add("tracing.sampler.type", "unknown sampler %q", cfg.Tracing.Sampler.Type)
	}

	seen := make(map[string]bool, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if _, _, err := messaging.SplitURI(ep.URI); err != nil {
			add(field+".uri", "%v", err)
			continue
		}
		if seen[ep.URI] {
			add(field+".uri", "duplicate endpoint %s", ep.URI)
		}
		seen[ep.URI] = true
		if ep.Mode != "" {
			if _, err := messaging.ParseEndpointMode(ep.Mode); err != nil {
				add(field+".mode", "%v", err)
			}
		}
	}

	return errors.Join(errs...)
}
