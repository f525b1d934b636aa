/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package redisstorage implements the storage.Backend contract on top of Redis.
//
// AtomicUpdate is built on Redis optimistic transactions (WATCH/MULTI/EXEC):
// the watched key guarantees that the write commits only if no other client
// modified the key between the read and the write, and the operation is retried
// on conflict. This gives the same effect as a server-side atomic
// read-modify-write without requiring scripting.
package redisstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-resilience/storage"
)

// DefaultMaxTxAttempts is a default number of attempts to commit an optimistic
// transaction before giving up because of contention.
const DefaultMaxTxAttempts = 100

// Storage is a Redis-backed storage.Backend.
type Storage struct {
	client        redis.UniversalClient
	maxTxAttempts int
}

var _ storage.Backend = (*Storage)(nil)

// Opts contains optional parameters for constructing Storage.
type Opts struct {
	// MaxTxAttempts limits optimistic transaction retries on contention.
	MaxTxAttempts int
}

// New creates a new Redis-backed storage.
func New(client redis.UniversalClient) *Storage {
	return NewWithOpts(client, Opts{})
}

// NewWithOpts creates a new Redis-backed storage
// with an ability to specify different optional parameters.
func NewWithOpts(client redis.UniversalClient, opts Opts) *Storage {
	maxTxAttempts := opts.MaxTxAttempts
	if maxTxAttempts <= 0 {
		maxTxAttempts = DefaultMaxTxAttempts
	}
	return &Storage{client: client, maxTxAttempts: maxTxAttempts}
}

// Get returns the current value of the key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, &storage.UnavailableError{Err: err}
	}
	return val, true, nil
}

// updateAbortError carries an error returned by an UpdateFunc through the
// transaction machinery so it is not mistaken for a backend failure.
type updateAbortError struct {
	err error
}

func (e *updateAbortError) Error() string { return e.err.Error() }
func (e *updateAbortError) Unwrap() error { return e.err }

// AtomicUpdate applies update to the key's value atomically and returns the
// value that was written. The update function may be invoked multiple times
// when the transaction is retried because of a concurrent write.
func (s *Storage) AtomicUpdate(
	ctx context.Context, key string, update storage.UpdateFunc, ttl time.Duration,
) ([]byte, error) {
	var newVal []byte

	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		exists := true
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return err
			}
			exists, old = false, nil
		}

		newVal, err = update(old, exists)
		if err != nil {
			return &updateAbortError{err: err}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if newVal == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, newVal, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxTxAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return newVal, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // the key was modified concurrently, retry
		}
		var abortErr *updateAbortError
		if errors.As(err, &abortErr) {
			return nil, abortErr.err
		}
		return nil, &storage.UnavailableError{Err: err}
	}
	return nil, &storage.UnavailableError{
		Err: fmt.Errorf("atomic update of key %q: too many transaction conflicts (%d attempts)", key, s.maxTxAttempts),
	}
}

// Expire sets the key's time-to-live. Non-positive ttl removes the key.
func (s *Storage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return &storage.UnavailableError{Err: err}
		}
		return nil
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return &storage.UnavailableError{Err: err}
	}
	return nil
}
