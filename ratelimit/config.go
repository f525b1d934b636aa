/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"time"

	"github.com/acronis/go-appkit/config"
)

const (
	cfgKeyTokenBucketCapacity   = "tokenBucket.capacity"
	cfgKeyTokenBucketRefillRate = "tokenBucket.refillRate"
	cfgKeyFixedWindowLimit      = "fixedWindow.limit"
	cfgKeyFixedWindowWindowSize = "fixedWindow.windowSize"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// TokenBucketConfig represents configuration options for the token bucket rate limiter.
type TokenBucketConfig struct {
	// Capacity is the maximum number of tokens in the bucket.
	Capacity int `mapstructure:"capacity"`

	// RefillRate is the bucket refill rate in tokens per second.
	RefillRate float64 `mapstructure:"refillRate"`
}

// FixedWindowConfig represents configuration options for the fixed window rate limiter.
type FixedWindowConfig struct {
	// Limit is the maximum number of requests per window.
	Limit int `mapstructure:"limit"`

	// WindowSize is the window duration.
	WindowSize time.Duration `mapstructure:"windowSize"`
}

// Config represents options for rate limiters configuration.
type Config struct {
	// TokenBucket is a configuration for the token bucket algorithm.
	TokenBucket TokenBucketConfig `mapstructure:"tokenBucket"`

	// FixedWindow is a configuration for the fixed window algorithm.
	FixedWindow FixedWindowConfig `mapstructure:"fixedWindow"`

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
	capacity, err := dp.GetInt(cfgKeyTokenBucketCapacity)
	if err != nil {
		return err
	}
	if capacity < 0 {
		return dp.WrapKeyErr(cfgKeyTokenBucketCapacity, errors.New("must not be negative"))
	}
	c.TokenBucket.Capacity = capacity

	refillRate, err := dp.GetFloat64(cfgKeyTokenBucketRefillRate)
	if err != nil {
		return err
	}
	if refillRate < 0 {
		return dp.WrapKeyErr(cfgKeyTokenBucketRefillRate, errors.New("must not be negative"))
	}
	c.TokenBucket.RefillRate = refillRate

	limit, err := dp.GetInt(cfgKeyFixedWindowLimit)
	if err != nil {
		return err
	}
	if limit < 0 {
		return dp.WrapKeyErr(cfgKeyFixedWindowLimit, errors.New("must not be negative"))
	}
	c.FixedWindow.Limit = limit

	windowSize, err := dp.GetDuration(cfgKeyFixedWindowWindowSize)
	if err != nil {
		return err
	}
	if windowSize < 0 {
		return dp.WrapKeyErr(cfgKeyFixedWindowWindowSize, errors.New("must not be negative"))
	}
	c.FixedWindow.WindowSize = windowSize

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(_ config.DataProvider) {}
