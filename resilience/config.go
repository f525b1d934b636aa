/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package resilience

import (
	"errors"
	"time"

	"github.com/acronis/go-appkit/config"

	"github.com/acronis/go-resilience/bulkhead"
	"github.com/acronis/go-resilience/circuitbreaker"
	"github.com/acronis/go-resilience/retry"
)

const (
	cfgKeyAttemptTimeout = "attemptTimeout"
	cfgKeyCircuitBreaker = "circuitBreaker"
	cfgKeyBulkhead       = "bulkhead"
	cfgKeyRetry          = "retry"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// Config represents options for the whole resilience pipeline. Each pattern
// section is optional; an absent section leaves the corresponding part of the
// pipeline disabled.
type Config struct {
	// AttemptTimeout bounds each individual attempt. Zero disables the bound.
	AttemptTimeout time.Duration `mapstructure:"attemptTimeout"`

	// CircuitBreaker configures the breaker guarding each attempt.
	CircuitBreaker *circuitbreaker.Config `mapstructure:"circuitBreaker"`

	// Bulkhead configures the concurrency gate.
	Bulkhead *bulkhead.Config `mapstructure:"bulkhead"`

	// Retry configures retrying of failed attempts.
	Retry *retry.Config `mapstructure:"retry"`

	// keyPrefix is a prefix for configuration parameters.
	keyPrefix string
}

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix("")
}

// NewConfigWithKeyPrefix creates a new instance of the Config.
// Allows specifying key prefix which will be used for parsing configuration parameters.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// Set is part of config interface implementation.
func (c *Config) Set(dp config.DataProvider) error {
	attemptTimeout, err := dp.GetDuration(cfgKeyAttemptTimeout)
	if err != nil {
		return err
	}
	if attemptTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyAttemptTimeout, errors.New("must not be negative"))
	}
	c.AttemptTimeout = attemptTimeout

	c.CircuitBreaker, c.Bulkhead, c.Retry = nil, nil, nil

	if dp.IsSet(cfgKeyCircuitBreaker) {
		cbDp := config.NewKeyPrefixedDataProvider(dp, cfgKeyCircuitBreaker)
		cbCfg := circuitbreaker.NewConfig()
		cbCfg.SetProviderDefaults(cbDp)
		if err = cbCfg.Set(cbDp); err != nil {
			return err
		}
		c.CircuitBreaker = cbCfg
	}

	if dp.IsSet(cfgKeyBulkhead) {
		bhDp := config.NewKeyPrefixedDataProvider(dp, cfgKeyBulkhead)
		bhCfg := bulkhead.NewConfig()
		bhCfg.SetProviderDefaults(bhDp)
		if err = bhCfg.Set(bhDp); err != nil {
			return err
		}
		c.Bulkhead = bhCfg
	}

	if dp.IsSet(cfgKeyRetry) {
		retryDp := config.NewKeyPrefixedDataProvider(dp, cfgKeyRetry)
		retryCfg := retry.NewConfig()
		retryCfg.SetProviderDefaults(retryDp)
		if err = retryCfg.Set(retryDp); err != nil {
			return err
		}
		c.Retry = retryCfg
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAttemptTimeout, time.Duration(0).String())
}

// NewServiceFromConfig creates a new Service from the config. Parts already
// present in opts take precedence over the corresponding config sections,
// which lets the caller pass a distributed breaker or a taskmanager-backed
// bulkhead while keeping the rest configuration-driven.
func NewServiceFromConfig(cfg *Config, opts ServiceOpts) (*Service, error) {
	if cfg.CircuitBreaker != nil && opts.CircuitBreaker == nil {
		cb, err := circuitbreaker.NewWithOpts(
			cfg.CircuitBreaker.Name, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout,
			circuitbreaker.Opts{TrialTimeout: cfg.CircuitBreaker.TrialTimeout, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.CircuitBreaker = cb
	}
	if cfg.Bulkhead != nil && opts.Bulkhead == nil {
		bh, err := bulkhead.NewWithOpts(cfg.Bulkhead.Name, cfg.Bulkhead.MaxConcurrent, cfg.Bulkhead.MaxQueueSize,
			bulkhead.Opts{QueueTimeout: cfg.Bulkhead.QueueTimeout, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Bulkhead = bh
	}
	if cfg.Retry != nil && opts.RetryPolicy == nil {
		opts.RetryPolicy = cfg.Retry.Policy()
	}
	if opts.AttemptTimeout == 0 {
		opts.AttemptTimeout = cfg.AttemptTimeout
	}
	return NewService(opts)
}
