/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package storage defines the key-value backend contract that distributed
// resilience patterns (circuit breaker, rate limiters) use to share state
// between processes. The essential primitive is AtomicUpdate: a read-modify-write
// that the backend executes without interleaving from other callers, so that
// pattern state machines stay correct under concurrent remote mutation.
package storage

import (
	"context"
	"fmt"
	"time"
)

// UpdateFunc transforms the current value of a key into a new one.
// old is nil when the key is absent (exists == false).
// Returning a nil new value deletes the key.
// Returning a non-nil error aborts the update without writing; the error is
// propagated to the AtomicUpdate caller as is.
//
// Backends based on optimistic concurrency (e.g. Redis WATCH/MULTI/EXEC) may
// invoke the function several times until the write commits, so it must be
// free of side effects beyond its captured result variables.
type UpdateFunc func(old []byte, exists bool) (new []byte, err error)

// Backend is an abstract atomic key-value store.
// Implementations must guarantee that AtomicUpdate behaves as a single
// indivisible operation with respect to all other Get/AtomicUpdate calls for
// the same key, including calls made by other processes.
type Backend interface {
	// Get returns the current value of the key.
	// exists is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, exists bool, err error)

	// AtomicUpdate applies update to the key's value atomically and returns
	// the value that was written. If ttl > 0, the written key expires after ttl.
	AtomicUpdate(ctx context.Context, key string, update UpdateFunc, ttl time.Duration) ([]byte, error)

	// Expire sets the key's time-to-live. Expiring with a non-positive ttl
	// removes the key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// UnavailableError is returned when the backend cannot be reached or fails to
// execute an operation. Errors produced by an UpdateFunc are never wrapped
// into UnavailableError.
type UnavailableError struct {
	Err error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage backend unavailable: %s", e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// FailurePolicy defines how a distributed pattern behaves when its storage
// backend is unreachable. A component applies exactly one policy, never a
// mixture of both.
type FailurePolicy int

const (
	// FailClosed makes the pattern deny the protected call and surface the
	// storage error. This is the default.
	FailClosed FailurePolicy = iota

	// FailOpen makes the pattern allow the protected call as if the shared
	// state permitted it. Shared state is not modified.
	FailOpen
)

// String returns a string representation of the failure policy.
func (p FailurePolicy) String() string {
	switch p {
	case FailClosed:
		return "fail_closed"
	case FailOpen:
		return "fail_open"
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}
