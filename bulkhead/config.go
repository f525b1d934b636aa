/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package bulkhead

import (
	"errors"
	"time"

	"github.com/acronis/go-appkit/config"
)

const (
	cfgKeyName          = "name"
	cfgKeyMaxConcurrent = "maxConcurrent"
	cfgKeyMaxQueueSize  = "maxQueueSize"
	cfgKeyQueueTimeout  = "queueTimeout"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// Config represents options for bulkhead configuration.
type Config struct {
	// Name identifies the bulkhead in errors and logs.
	Name string `mapstructure:"name"`

	// MaxConcurrent is the number of operations allowed to run simultaneously.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// MaxQueueSize is the number of callers allowed to wait for a permit.
	MaxQueueSize int `mapstructure:"maxQueueSize"`

	// QueueTimeout is how long a queued caller waits for a permit.
	QueueTimeout time.Duration `mapstructure:"queueTimeout"`

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
	name, err := dp.GetString(cfgKeyName)
	if err != nil {
		return err
	}
	if name == "" {
		return dp.WrapKeyErr(cfgKeyName, errors.New("must not be empty"))
	}
	c.Name = name

	maxConcurrent, err := dp.GetInt(cfgKeyMaxConcurrent)
	if err != nil {
		return err
	}
	if maxConcurrent <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrent, errors.New("must be positive"))
	}
	c.MaxConcurrent = maxConcurrent

	maxQueueSize, err := dp.GetInt(cfgKeyMaxQueueSize)
	if err != nil {
		return err
	}
	if maxQueueSize < 0 {
		return dp.WrapKeyErr(cfgKeyMaxQueueSize, errors.New("must not be negative"))
	}
	c.MaxQueueSize = maxQueueSize

	queueTimeout, err := dp.GetDuration(cfgKeyQueueTimeout)
	if err != nil {
		return err
	}
	if queueTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyQueueTimeout, errors.New("must not be negative"))
	}
	c.QueueTimeout = queueTimeout

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyQueueTimeout, DefaultQueueTimeout.String())
}
