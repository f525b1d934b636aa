/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"errors"
	"time"

	"github.com/acronis/go-appkit/config"
)

const (
	cfgKeyMaxRetries    = "maxRetries"
	cfgKeyBackoffFactor = "backoffFactor"
	cfgKeyJitter        = "jitter"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// Config represents options for retry configuration.
type Config struct {
	// MaxRetries is how many times a retryable failure is retried.
	// Zero disables retrying.
	MaxRetries int `mapstructure:"maxRetries"`

	// BackoffFactor is the base delay; the delay before retry n is
	// BackoffFactor * 2^(n-1).
	BackoffFactor time.Duration `mapstructure:"backoffFactor"`

	// Jitter randomizes each delay uniformly into [0, delay).
	Jitter bool `mapstructure:"jitter"`

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
	maxRetries, err := dp.GetInt(cfgKeyMaxRetries)
	if err != nil {
		return err
	}
	if maxRetries < 0 {
		return dp.WrapKeyErr(cfgKeyMaxRetries, errors.New("must not be negative"))
	}
	c.MaxRetries = maxRetries

	backoffFactor, err := dp.GetDuration(cfgKeyBackoffFactor)
	if err != nil {
		return err
	}
	if backoffFactor <= 0 {
		return dp.WrapKeyErr(cfgKeyBackoffFactor, errors.New("must be positive"))
	}
	c.BackoffFactor = backoffFactor

	jitter, err := dp.GetBool(cfgKeyJitter)
	if err != nil {
		return err
	}
	c.Jitter = jitter

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyBackoffFactor, (100 * time.Millisecond).String())
	dp.SetDefault(cfgKeyJitter, true)
}

// Policy returns the backoff policy described by the config.
func (c *Config) Policy() Policy {
	return NewExponentialBackoffPolicy(c.BackoffFactor, c.MaxRetries, c.Jitter)
}
