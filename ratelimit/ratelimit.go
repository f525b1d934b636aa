/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides token bucket and fixed window rate limiters.
//
// Each algorithm comes in two variants: a single-process one that keeps its
// state in memory, and a distributed one that keeps the authoritative state in
// a storage.Backend so that independent processes addressing the same limiter
// name share one budget. Distributed variants perform the whole
// read-compute-deduct-write sequence as a single atomic backend operation.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter interface defines the rate limiting contract.
type Limiter interface {
	// Allow reports whether the next request fits into the limit.
	// When denied, retryAfter tells how long to wait before the next attempt
	// may be granted.
	Allow(ctx context.Context) (allow bool, retryAfter time.Duration, err error)
}

// LimitExceededError is returned when a request is denied by a rate limiter.
type LimitExceededError struct {
	Name       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Name, e.RetryAfter)
}

// keys under which limiter state is stored in the backend.
// Every process addressing the same limiter name computes the same key.
func tokenBucketKey(name string) string {
	return "resilience:rl:tb:" + name
}

func fixedWindowKey(name string) string {
	return "resilience:rl:fw:" + name
}

func doWithLimiter(ctx context.Context, l Limiter, name string, op func(context.Context) error) error {
	allow, retryAfter, err := l.Allow(ctx)
	if err != nil {
		return err
	}
	if !allow {
		return &LimitExceededError{Name: name, RetryAfter: retryAfter}
	}
	return op(ctx)
}
