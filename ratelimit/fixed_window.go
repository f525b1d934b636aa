/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-resilience/storage"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm
// for a single process. The window starts at the first request and rolls over
// lazily: when a request arrives outside the current window, the counter is
// reset and a new window starts at that request's time.
type FixedWindowLimiter struct {
	name       string
	limit      int
	windowSize time.Duration

	mu          sync.Mutex
	windowStart time.Time
	count       int

	now func() time.Time
}

var _ Limiter = (*FixedWindowLimiter)(nil)

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(name string, limit int, windowSize time.Duration) (*FixedWindowLimiter, error) {
	if name == "" {
		return nil, fmt.Errorf("limiter name should not be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit should be positive, got %d", limit)
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size should be positive, got %s", windowSize)
	}
	return &FixedWindowLimiter{
		name:       name,
		limit:      limit,
		windowSize: windowSize,
		now:        time.Now,
	}, nil
}

// Allow reports whether the next request fits into the current window.
func (l *FixedWindowLimiter) Allow(_ context.Context) (allow bool, retryAfter time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || !now.Before(l.windowStart.Add(l.windowSize)) {
		l.windowStart = now
		l.count = 0
	}
	if l.count < l.limit {
		l.count++
		return true, 0, nil
	}
	return false, l.windowStart.Add(l.windowSize).Sub(now), nil
}

// Capacity returns the number of requests still allowed in the current window
// and the configured limit.
func (l *FixedWindowLimiter) Capacity(_ context.Context) (remaining, limit int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || !now.Before(l.windowStart.Add(l.windowSize)) {
		return l.limit, l.limit, nil
	}
	return l.limit - l.count, l.limit, nil
}

// Do runs op if the window limit is not reached, otherwise returns LimitExceededError.
func (l *FixedWindowLimiter) Do(ctx context.Context, op func(context.Context) error) error {
	return doWithLimiter(ctx, l, l.name, op)
}

// Wrap returns a new function running op under the rate limit.
// The returned function behaves exactly as Do.
func (l *FixedWindowLimiter) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return l.Do(ctx, op)
	}
}

// fixedWindowState is the shared state of a distributed fixed window limiter.
type fixedWindowState struct {
	WindowStart int64 `json:"window_start"` // Unix nanoseconds
	Count       int   `json:"count"`
}

// DistributedFixedWindowLimiter is a fixed window limiter whose authoritative
// state lives in a storage backend shared by multiple processes.
// Window rollover check, increment and limit comparison run as one atomic
// backend update.
type DistributedFixedWindowLimiter struct {
	name          string
	limit         int
	windowSize    time.Duration
	backend       storage.Backend
	failurePolicy storage.FailurePolicy
	stateTTL      time.Duration
	logger        log.FieldLogger
	key           string

	now func() time.Time
}

var _ Limiter = (*DistributedFixedWindowLimiter)(nil)

// NewDistributedFixedWindowLimiter creates a new distributed fixed window rate limiter.
func NewDistributedFixedWindowLimiter(
	name string, limit int, windowSize time.Duration, backend storage.Backend,
) (*DistributedFixedWindowLimiter, error) {
	return NewDistributedFixedWindowLimiterWithOpts(name, limit, windowSize, backend, DistributedLimiterOpts{})
}

// NewDistributedFixedWindowLimiterWithOpts creates a new distributed fixed window rate limiter
// with an ability to specify different optional parameters.
func NewDistributedFixedWindowLimiterWithOpts(
	name string, limit int, windowSize time.Duration, backend storage.Backend, opts DistributedLimiterOpts,
) (*DistributedFixedWindowLimiter, error) {
	if name == "" {
		return nil, fmt.Errorf("limiter name should not be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit should be positive, got %d", limit)
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size should be positive, got %s", windowSize)
	}
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	stateTTL := opts.StateTTL
	if stateTTL == 0 {
		// Stale windows are useless after they end, let the backend collect them.
		stateTTL = 2 * windowSize
	}
	return &DistributedFixedWindowLimiter{
		name:          name,
		limit:         limit,
		windowSize:    windowSize,
		backend:       backend,
		failurePolicy: opts.StorageFailurePolicy,
		stateTTL:      stateTTL,
		logger:        logger,
		key:           fixedWindowKey(name),
		now:           time.Now,
	}, nil
}

// Allow reports whether the next request fits into the current window.
func (l *DistributedFixedWindowLimiter) Allow(ctx context.Context) (allow bool, retryAfter time.Duration, err error) {
	var allowed bool
	var denyRetryAfter time.Duration
	_, err = l.backend.AtomicUpdate(ctx, l.key, func(old []byte, exists bool) ([]byte, error) {
		now := l.now()
		var st fixedWindowState
		if exists {
			if jErr := json.Unmarshal(old, &st); jErr != nil {
				st = fixedWindowState{}
			}
		}
		windowEnd := st.WindowStart + l.windowSize.Nanoseconds()
		if !exists || now.UnixNano() >= windowEnd {
			st.WindowStart = now.UnixNano()
			st.Count = 0
			windowEnd = st.WindowStart + l.windowSize.Nanoseconds()
		}
		if st.Count < l.limit {
			st.Count++
			allowed, denyRetryAfter = true, 0
		} else {
			allowed = false
			denyRetryAfter = time.Duration(windowEnd - now.UnixNano())
		}
		return json.Marshal(st)
	}, l.stateTTL)
	if err != nil {
		if l.failurePolicy == storage.FailOpen {
			l.logger.Warn("fixed window storage backend failed, failing open",
				log.String("limiter", l.name), log.Error(err))
			return true, 0, nil
		}
		return false, 0, err
	}
	return allowed, denyRetryAfter, nil
}

// Capacity returns the number of requests still allowed in the current window
// and the configured limit. It never consumes the budget.
func (l *DistributedFixedWindowLimiter) Capacity(ctx context.Context) (remaining, limit int, err error) {
	val, exists, err := l.backend.Get(ctx, l.key)
	if err != nil {
		return 0, l.limit, err
	}
	if !exists {
		return l.limit, l.limit, nil
	}
	var st fixedWindowState
	if jErr := json.Unmarshal(val, &st); jErr != nil {
		return l.limit, l.limit, nil
	}
	if l.now().UnixNano() >= st.WindowStart+l.windowSize.Nanoseconds() {
		return l.limit, l.limit, nil
	}
	return l.limit - st.Count, l.limit, nil
}

// Do runs op if the window limit is not reached, otherwise returns LimitExceededError.
func (l *DistributedFixedWindowLimiter) Do(ctx context.Context, op func(context.Context) error) error {
	return doWithLimiter(ctx, l, l.name, op)
}

// Wrap returns a new function running op under the rate limit.
// The returned function behaves exactly as Do.
func (l *DistributedFixedWindowLimiter) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return l.Do(ctx, op)
	}
}
