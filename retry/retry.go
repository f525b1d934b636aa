/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry re-invokes failed operations according to a backoff policy.
// Only failures recognized as retryable are retried; everything else
// propagates to the caller untouched.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable defines a func that can tell if error is retryable as opposed to persistent.
type IsRetryable func(error) bool

// RetryableFunc is function that does some work and can be potentially retried.
type RetryableFunc func(ctx context.Context) error

// Policy defines backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// The PolicyFunc type is an adapter to allow the use of ordinary functions as retry.Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements retry.Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// ExhaustedError is returned when every allowed attempt failed with a
// retryable error. It wraps the failure of the last attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %s", e.Attempts, e.Err)
}

// Unwrap returns the failure of the last attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// RetryableErrors builds an IsRetryable that matches errors against the given
// targets with errors.Is.
func RetryableErrors(targets ...error) IsRetryable {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// DoWithRetry executes fn with retry according to policy p and with respect to context ctx.
// IsRetryable defines which errors lead to retry attempt (can be nil for any error).
// Notify can be used to receive notification on every retry with error and backoff delay
// (can be nil if no notifications required).
// When the policy gives up, the last retryable failure is wrapped in ExhaustedError
// carrying the total attempt count. Non-retryable failures and context cancellation
// propagate as is.
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	b := backoff.WithContext(p.NewBackOff(), ctx)
	attempts := 0
	var lastErr error
	var op backoff.Operation = func() error {
		attempts++
		err := fn(b.Context())
		if err != nil &&
			(isRetryable != nil && !isRetryable(err)) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}
	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}
	// backoff returns the last operation error when the policy is exhausted,
	// the unwrapped permanent error when the failure was not retryable, and
	// the context error when the context is done.
	if lastErr != nil && err == lastErr {
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	return err
}

// ExponentialBackoffPolicy means repeat up to maxRetries times with delays doubling
// from backoffFactor: the delay before retry n is backoffFactor * 2^(n-1).
// With jitter enabled, each delay is drawn uniformly from [0, delay).
type ExponentialBackoffPolicy struct {
	backoffFactor time.Duration
	maxRetries    int
	jitter        bool
}

// NewExponentialBackoffPolicy returns an exponential backoff policy with the given
// base delay, max retry count and jitter mode.
func NewExponentialBackoffPolicy(backoffFactor time.Duration, maxRetries int, jitter bool) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{backoffFactor, maxRetries, jitter}
}

// NewBackOff implements retry.Policy. maxRetries bounds retries, not attempts:
// zero means a single attempt with no retries at all.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	maxRetries := p.maxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	bf := backoff.WithMaxRetries(&doublingBackOff{factor: p.backoffFactor, jitter: p.jitter}, uint64(maxRetries))
	bf.Reset()
	return bf
}

// ConstantBackoffPolicy means repeat up to max times with constant interval delays.
type ConstantBackoffPolicy struct {
	interval    time.Duration
	maxAttempts int
}

// NewConstantBackoffPolicy returns a constant backoff policy with given interval and max retry attempt count.
func NewConstantBackoffPolicy(interval time.Duration, maxRetryAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval, maxRetryAttempts}
}

// NewBackOff implements retry.Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	var bf backoff.BackOff = backoff.NewConstantBackOff(p.interval)
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(bf, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}

// doublingBackOff doubles the delay on every call, starting from factor.
type doublingBackOff struct {
	factor time.Duration
	jitter bool
	next   time.Duration
}

// NextBackOff implements backoff.BackOff.
func (b *doublingBackOff) NextBackOff() time.Duration {
	d := b.next
	b.next *= 2
	if b.jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

// Reset implements backoff.BackOff.
func (b *doublingBackOff) Reset() {
	b.next = b.factor
}
