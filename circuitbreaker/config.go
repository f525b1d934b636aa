/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"errors"
	"time"

	"github.com/acronis/go-appkit/config"
)

const (
	cfgKeyName             = "name"
	cfgKeyFailureThreshold = "failureThreshold"
	cfgKeyRecoveryTimeout  = "recoveryTimeout"
	cfgKeyTrialTimeout     = "trialTimeout"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// Config represents options for circuit breaker configuration.
type Config struct {
	// Name identifies the breaker; processes using the same name share state
	// in the distributed variant.
	Name string `mapstructure:"name"`

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `mapstructure:"failureThreshold"`

	// RecoveryTimeout is how long the circuit stays open before a trial call is allowed.
	RecoveryTimeout time.Duration `mapstructure:"recoveryTimeout"`

	// TrialTimeout is the deadline for the half-open trial call.
	TrialTimeout time.Duration `mapstructure:"trialTimeout"`

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

	failureThreshold, err := dp.GetInt(cfgKeyFailureThreshold)
	if err != nil {
		return err
	}
	if failureThreshold <= 0 {
		return dp.WrapKeyErr(cfgKeyFailureThreshold, errors.New("must be positive"))
	}
	c.FailureThreshold = failureThreshold

	recoveryTimeout, err := dp.GetDuration(cfgKeyRecoveryTimeout)
	if err != nil {
		return err
	}
	if recoveryTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyRecoveryTimeout, errors.New("must be positive"))
	}
	c.RecoveryTimeout = recoveryTimeout

	trialTimeout, err := dp.GetDuration(cfgKeyTrialTimeout)
	if err != nil {
		return err
	}
	if trialTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyTrialTimeout, errors.New("must not be negative"))
	}
	c.TrialTimeout = trialTimeout

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTrialTimeout, DefaultTrialTimeout.String())
}
