// Package config loads courierd settings from YAML and COURIER_
// environment variables.
package config

import (
	"time"
)

type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Node           NodeConfig           `mapstructure:"node"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Cluster        ClusterConfig        `mapstructure:"cluster"`
	Durability     DurabilityConfig     `mapstructure:"durability"`
	ErrorHandling  ErrorHandlingConfig  `mapstructure:"errorHandling"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker"`
	Sender         SenderConfig         `mapstructure:"sender"`
	Transports     TransportsConfig     `mapstructure:"transports"`
	Endpoints      []EndpointConfig     `mapstructure:"endpoints"`
	Handlers       HandlersConfig       `mapstructure:"handlers"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	HTTP           HTTPConfig           `mapstructure:"http"`
}

type ServiceConfig struct {
	Name string `mapstructure:"name"`
}

type NodeConfig struct {
	// ID is allocated from the cluster registry when zero
	ID             int `mapstructure:"id"`
	MaxParallelism int `mapstructure:"maxParallelism"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	MigrateOnStart  bool          `mapstructure:"migrateOnStart"`
}

type ClusterConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addrs     []string `mapstructure:"addrs"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
	KeyPrefix string   `mapstructure:"keyPrefix"`
}

type DurabilityConfig struct {
	ScheduledJobPollingInterval time.Duration `mapstructure:"scheduledJobPollingInterval"`
	RecoveryPollingInterval     time.Duration `mapstructure:"recoveryPollingInterval"`
	RecoveryBatchSize           int           `mapstructure:"recoveryBatchSize"`
	NodeLeaseTTL                time.Duration `mapstructure:"nodeLeaseTtl"`
	RetryDelay                  time.Duration `mapstructure:"retryDelay"`
	MaxRetryDelay               time.Duration `mapstructure:"maxRetryDelay"`
}

type ErrorHandlingConfig struct {
	MaximumAttempts int          `mapstructure:"maximumAttempts"`
	Rules           []RuleConfig `mapstructure:"rules"`
}

// RuleConfig describes one failure rule. Actions apply in the order
// retryInline, scheduleRetry, then the terminal action.
type RuleConfig struct {
	// MessageType scopes the rule; empty applies it to every type
	MessageType string `mapstructure:"messageType"`
	// Contains lists case-insensitive substrings of the error text; empty
	// matches every error
	Contains      []string        `mapstructure:"contains"`
	RetryInline   []time.Duration `mapstructure:"retryInline"`
	ScheduleRetry []time.Duration `mapstructure:"scheduleRetry"`
	// Then is one of "deadLetter", "requeue" or "pause"
	Then          string        `mapstructure:"then"`
	PauseDuration time.Duration `mapstructure:"pauseDuration"`
}

const (
	ThenDeadLetter = "deadLetter"
	ThenRequeue    = "requeue"
	ThenPause      = "pause"
)

type CircuitBreakerConfig struct {
	TrackingPeriod             time.Duration `mapstructure:"trackingPeriod"`
	SamplingPeriod             time.Duration `mapstructure:"samplingPeriod"`
	MinimumThreshold           int           `mapstructure:"minimumThreshold"`
	FailurePercentageThreshold int           `mapstructure:"failurePercentageThreshold"`
	PauseTime                  time.Duration `mapstructure:"pauseTime"`
}

type SenderConfig struct {
	FailuresBeforeLatch         uint32        `mapstructure:"failuresBeforeLatch"`
	MaximumEnvelopeRetryStorage int           `mapstructure:"maximumEnvelopeRetryStorage"`
	PingInitialInterval         time.Duration `mapstructure:"pingInitialInterval"`
	PingMaxInterval             time.Duration `mapstructure:"pingMaxInterval"`
}

type TransportsConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RabbitMQConfig struct {
	// URL enables the transport when set
	URL                  string          `mapstructure:"url"`
	PrefetchCount        int             `mapstructure:"prefetchCount"`
	AutoProvision        bool            `mapstructure:"autoProvision"`
	ExchangeType         string          `mapstructure:"exchangeType"`
	Bindings             []BindingConfig `mapstructure:"bindings"`
	ReconnectDelay       time.Duration   `mapstructure:"reconnectDelay"`
	MaxReconnectDelay    time.Duration   `mapstructure:"maxReconnectDelay"`
	MaxReconnectAttempts int             `mapstructure:"maxReconnectAttempts"`
	ChannelPoolSize      int             `mapstructure:"channelPoolSize"`
	ConfirmTimeout       time.Duration   `mapstructure:"confirmTimeout"`
}

type BindingConfig struct {
	Queue      string `mapstructure:"queue"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routingKey"`
}

type KafkaConfig struct {
	// Brokers enable the transport when set
	Brokers                []string      `mapstructure:"brokers"`
	GroupID                string        `mapstructure:"groupId"`
	BatchTimeout           time.Duration `mapstructure:"batchTimeout"`
	WriteTimeout           time.Duration `mapstructure:"writeTimeout"`
	RedeliveryDelay        time.Duration `mapstructure:"redeliveryDelay"`
	AllowAutoTopicCreation bool          `mapstructure:"allowAutoTopicCreation"`
}

type EndpointConfig struct {
	Name           string `mapstructure:"name"`
	URI            string `mapstructure:"uri"`
	Mode           string `mapstructure:"mode"`
	Listen         bool   `mapstructure:"listen"`
	MaxParallelism int    `mapstructure:"maxParallelism"`
	// CircuitBreaker enables the listener breaker with the global settings
	CircuitBreaker              bool `mapstructure:"circuitBreaker"`
	MaximumEnvelopeRetryStorage int  `mapstructure:"maximumEnvelopeRetryStorage"`
}

// HandlersConfig shapes the middleware wrapped around every handler
type HandlersConfig struct {
	// Timeout bounds one handler call; zero leaves handlers unbounded
	Timeout   time.Duration   `mapstructure:"timeout"`
	Log       bool            `mapstructure:"log"`
	Validate  bool            `mapstructure:"validate"`
	// SkipTypes completes envelopes of these message types unhandled
	SkipTypes []string        `mapstructure:"skipTypes"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
}

// RateLimitConfig limits handled messages per second and type; zero RPS
// disables it
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	// Addr serves metrics and health; empty disables the server
	Addr          string        `mapstructure:"addr"`
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	HealthTimeout time.Duration `mapstructure:"healthTimeout"`
}

type TracingConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	OTLP    OTLPConfig    `mapstructure:"otlp"`
	Sampler SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// SamplerConfig selects always_on, always_off, traceidratio,
// parentbased_always_on or parentbased_traceidratio
type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}
