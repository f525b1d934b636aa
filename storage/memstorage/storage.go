/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package memstorage provides an in-process implementation of the storage.Backend
// contract. It is suitable for single-process deployments and for tests.
package memstorage

import (
	"context"
	"sync"
	"time"

	"github.com/acronis/go-resilience/storage"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
}

// Storage is an in-memory storage.Backend backed by a mutex-protected map.
// Expired entries are collected lazily on access.
type Storage struct {
	mu    sync.Mutex
	items map[string]entry

	// NowProvider allows overriding time source, mostly for testing purposes.
	NowProvider func() time.Time
}

var _ storage.Backend = (*Storage)(nil)

// New creates a new in-memory storage.
func New() *Storage {
	return &Storage{items: make(map[string]entry), NowProvider: time.Now}
}

// Get returns the current value of the key.
func (s *Storage) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, exists := s.get(key)
	if !exists {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

// AtomicUpdate applies update to the key's value while holding the storage lock,
// which makes the whole read-modify-write sequence indivisible.
func (s *Storage) AtomicUpdate(
	_ context.Context, key string, update storage.UpdateFunc, ttl time.Duration,
) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.get(key)
	newVal, err := update(old, exists)
	if err != nil {
		return nil, err
	}
	if newVal == nil {
		delete(s.items, key)
		return nil, nil
	}
	e := entry{value: append([]byte(nil), newVal...)}
	if ttl > 0 {
		e.expiresAt = s.NowProvider().Add(ttl)
	}
	s.items[key] = e
	return newVal, nil
}

// Expire sets the key's time-to-live. Non-positive ttl removes the key.
func (s *Storage) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.get(key)
	if !exists {
		return nil
	}
	if ttl <= 0 {
		delete(s.items, key)
		return nil
	}
	s.items[key] = entry{value: e, expiresAt: s.NowProvider().Add(ttl)}
	return nil
}

// get returns the live value of the key, removing it if expired.
// Must be called with the lock held.
func (s *Storage) get(key string) ([]byte, bool) {
	e, exists := s.items[key]
	if !exists {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.NowProvider().Before(e.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return e.value, true
}
