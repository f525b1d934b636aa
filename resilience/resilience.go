/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package resilience composes the resilience patterns around a user operation
// in one fixed order: Retry wraps CircuitBreaker wraps Timeout wraps Bulkhead.
// The order is a semantic contract. Retry re-invokes the whole inner stack, so
// every retried attempt counts toward the breaker's failure statistics; the
// timeout bounds each individual attempt; the bulkhead gates the concurrency
// of each attempt.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-resilience/bulkhead"
	"github.com/acronis/go-resilience/retry"
)

// Op is a user operation guarded by the resilience pipeline.
type Op func(ctx context.Context) error

// CircuitBreaker is the breaker surface the pipeline needs. Both
// circuitbreaker.Breaker and circuitbreaker.DistributedBreaker satisfy it.
type CircuitBreaker interface {
	Do(ctx context.Context, op func(context.Context) error) error
}

// AttemptTimeoutError is returned when a single attempt exceeded its time
// bound. It unwraps to context.DeadlineExceeded so that errors.Is keeps
// working for callers that branch on the standard error.
type AttemptTimeoutError struct {
	Timeout time.Duration
}

// Error implements the error interface.
func (e *AttemptTimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s", e.Timeout)
}

// Unwrap returns context.DeadlineExceeded.
func (e *AttemptTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ServiceOpts represents an options for the Service. Every part of the
// pipeline is optional; a zero-value part is skipped.
type ServiceOpts struct {
	// RetryPolicy enables retrying of failed attempts.
	RetryPolicy retry.Policy

	// IsRetryable tells which failures are worth retrying.
	// Every failure is retryable if not specified.
	IsRetryable retry.IsRetryable

	// CircuitBreaker guards each attempt.
	CircuitBreaker CircuitBreaker

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// Bulkhead gates the concurrency of attempts.
	Bulkhead *bulkhead.Bulkhead

	// Logger is used for logging retries.
	Logger log.FieldLogger
}

// Service applies the resilience pipeline to operations.
// It is safe for concurrent use.
type Service struct {
	retryPolicy    retry.Policy
	isRetryable    retry.IsRetryable
	breaker        CircuitBreaker
	attemptTimeout time.Duration
	bulkhead       *bulkhead.Bulkhead
	logger         log.FieldLogger
}

// NewService creates a new Service with the specified options.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.AttemptTimeout < 0 {
		return nil, fmt.Errorf("attempt timeout should not be negative, got %s", opts.AttemptTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Service{
		retryPolicy:    opts.RetryPolicy,
		isRetryable:    opts.IsRetryable,
		breaker:        opts.CircuitBreaker,
		attemptTimeout: opts.AttemptTimeout,
		bulkhead:       opts.Bulkhead,
		logger:         opts.Logger,
	}, nil
}

// Wrap builds the pipeline around op. The returned Op runs the whole pipeline
// on every invocation and behaves exactly as Execute with the same op.
func (s *Service) Wrap(op Op) Op {
	wrapped := op
	if s.bulkhead != nil {
		wrapped = s.bulkhead.Wrap(wrapped)
	}
	if s.attemptTimeout > 0 {
		wrapped = s.withAttemptTimeout(wrapped)
	}
	if s.breaker != nil {
		inner := wrapped
		wrapped = func(ctx context.Context) error {
			return s.breaker.Do(ctx, inner)
		}
	}
	if s.retryPolicy != nil {
		inner := wrapped
		wrapped = func(ctx context.Context) error {
			return retry.DoWithRetry(ctx, s.retryPolicy, s.isRetryable, s.notifyRetry, retry.RetryableFunc(inner))
		}
	}
	return wrapped
}

// Execute runs op through the pipeline.
func (s *Service) Execute(ctx context.Context, op Op) error {
	return s.Wrap(op)(ctx)
}

func (s *Service) notifyRetry(err error, delay time.Duration) {
	s.logger.Info("retrying operation", log.Error(err), log.Duration("delay", delay))
}

// withAttemptTimeout enforces the attempt bound even when op ignores its
// context. An abandoned attempt keeps running until it observes the
// cancellation; its bulkhead permit is released when it returns, never twice.
func (s *Service) withAttemptTimeout(op Op) Op {
	return func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			done <- op(attemptCtx)
		}()
		select {
		case err := <-done:
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return &AttemptTimeoutError{Timeout: s.attemptTimeout}
			}
			return err
		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &AttemptTimeoutError{Timeout: s.attemptTimeout}
		}
	}
}
