package config

import (
	"fmt"
	"log/slog"

	"github.com/glimte/courier-go/interceptors"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/transports/kafka"
)

// Runtime converts the engine sections
func (c *Config) Runtime() messaging.Config {
	rt := messaging.DefaultConfig()
	rt.ServiceName = c.Service.Name
	rt.NodeID = c.Node.ID
	if c.Node.MaxParallelism > 0 {
		rt.MaxParallelism = c.Node.MaxParallelism
	}
	rt.MaximumAttempts = c.ErrorHandling.MaximumAttempts
	rt.Durability = messaging.DurabilitySettings{
		ScheduledJobPollingInterval: c.Durability.ScheduledJobPollingInterval,
		RecoveryPollingInterval:     c.Durability.RecoveryPollingInterval,
		RecoveryBatchSize:           c.Durability.RecoveryBatchSize,
		NodeLeaseTTL:                c.Durability.NodeLeaseTTL,
		RetryDelay:                  c.Durability.RetryDelay,
		MaxRetryDelay:               c.Durability.MaxRetryDelay,
	}
	rt.Sender = messaging.SenderSettings{
		FailuresBeforeLatch:         c.Sender.FailuresBeforeLatch,
		MaximumEnvelopeRetryStorage: c.Sender.MaximumEnvelopeRetryStorage,
		PingInitialInterval:         c.Sender.PingInitialInterval,
		PingMaxInterval:             c.Sender.PingMaxInterval,
	}
	return rt
}

// FailurePolicy builds the policy described by errorHandling
func (c *Config) FailurePolicy() *messaging.FailurePolicy {
	policy := messaging.NewFailurePolicy(c.ErrorHandling.MaximumAttempts)
	for _, rule := range c.ErrorHandling.Rules {
		match := messaging.MatchAll()
		if len(rule.Contains) > 0 {
			matchers := make([]messaging.Matcher, len(rule.Contains))
			for i, s := range rule.Contains {
				matchers[i] = messaging.MessageContains(s)
			}
			match = messaging.Or(matchers...)
		}

		var expr *messaging.PolicyExpression
		if rule.MessageType != "" {
			expr = policy.ForMessageType(rule.MessageType).OnError(match)
		} else {
			expr = policy.OnError(match)
		}
		if len(rule.RetryInline) > 0 {
			expr.RetryInline(rule.RetryInline...)
		}
		if len(rule.ScheduleRetry) > 0 {
			expr.ScheduleRetry(rule.ScheduleRetry...)
		}
		switch rule.Then {
		case ThenDeadLetter:
			expr.MoveToDeadLetter()
		case ThenRequeue:
			expr.Requeue()
		case ThenPause:
			expr.PauseListener(rule.PauseDuration)
		}
	}
	return policy
}

func (c *Config) breakerSettings() reliability.CircuitBreakerSettings {
	return reliability.CircuitBreakerSettings{
		TrackingPeriod:             c.CircuitBreaker.TrackingPeriod,
		SamplingPeriod:             c.CircuitBreaker.SamplingPeriod,
		MinimumThreshold:           c.CircuitBreaker.MinimumThreshold,
		FailurePercentageThreshold: c.CircuitBreaker.FailurePercentageThreshold,
		PauseTime:                  c.CircuitBreaker.PauseTime,
	}
}

// RuntimeEndpoints converts the endpoints section
func (c *Config) RuntimeEndpoints() ([]*messaging.Endpoint, error) {
	eps := make([]*messaging.Endpoint, 0, len(c.Endpoints))
	for _, ec := range c.Endpoints {
		ep := &messaging.Endpoint{
			Name:                        ec.Name,
			URI:                         ec.URI,
			Listen:                      ec.Listen,
			MaxParallelism:              ec.MaxParallelism,
			MaximumEnvelopeRetryStorage: ec.MaximumEnvelopeRetryStorage,
		}
		if ec.Mode != "" {
			mode, err := messaging.ParseEndpointMode(ec.Mode)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ec.URI, err)
			}
			ep.Mode = mode
		}
		if ec.CircuitBreaker {
			opts := append([]reliability.CircuitBreakerOption{reliability.WithName(ec.URI)},
				c.breakerSettings().Options()...)
			ep.CircuitBreaker = opts
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Kafka converts the kafka transport section
func (c *Config) Kafka() kafka.Config {
	kc := c.Transports.Kafka
	return kafka.Config{
		Brokers:                kc.Brokers,
		GroupID:                kc.GroupID,
		BatchTimeout:           kc.BatchTimeout,
		WriteTimeout:           kc.WriteTimeout,
		RedeliveryDelay:        kc.RedeliveryDelay,
		AllowAutoTopicCreation: kc.AllowAutoTopicCreation,
	}
}

// Interceptors builds the handler middleware chain
func (c *Config) Interceptors(logger *slog.Logger) *interceptors.Chain {
	h := c.Handlers
	chain := interceptors.NewChain()
	if h.Log {
		chain.Add(interceptors.NewLoggingInterceptor(logger))
	}
	if len(h.SkipTypes) > 0 {
		chain.Add(interceptors.NewFilteringInterceptor(
			interceptors.Not(interceptors.MessageTypes(h.SkipTypes...)),
			interceptors.SkipWithLog, logger))
	}
	if h.RateLimit.RPS > 0 {
		chain.Add(interceptors.NewRateLimitingInterceptor(h.RateLimit.RPS, h.RateLimit.Burst))
	}
	if h.Timeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(h.Timeout))
	}
	if h.Validate {
		chain.Add(interceptors.NewValidationInterceptor(nil))
	}
	return chain
}
