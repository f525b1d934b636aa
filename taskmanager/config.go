/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskmanager

import (
	"errors"

	"github.com/acronis/go-appkit/config"
)

const (
	cfgKeyWorkers   = "workers"
	cfgKeyQueueSize = "queueSize"
)

// Default values for the Manager configuration.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 64
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// Config represents options for task manager configuration.
type Config struct {
	// Workers is the number of workers executing tasks.
	Workers int `mapstructure:"workers"`

	// QueueSize is the number of tasks allowed to wait for a worker.
	QueueSize int `mapstructure:"queueSize"`

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
	workers, err := dp.GetInt(cfgKeyWorkers)
	if err != nil {
		return err
	}
	if workers <= 0 {
		return dp.WrapKeyErr(cfgKeyWorkers, errors.New("must be positive"))
	}
	c.Workers = workers

	queueSize, err := dp.GetInt(cfgKeyQueueSize)
	if err != nil {
		return err
	}
	if queueSize < 0 {
		return dp.WrapKeyErr(cfgKeyQueueSize, errors.New("must not be negative"))
	}
	c.QueueSize = queueSize

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyWorkers, DefaultWorkers)
	dp.SetDefault(cfgKeyQueueSize, DefaultQueueSize)
}
