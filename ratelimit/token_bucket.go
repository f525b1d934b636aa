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

// TokenBucketLimiter implements the token bucket rate limiting algorithm
// for a single process. The bucket starts full and is refilled lazily at
// acquire time proportionally to the elapsed time, never by a background timer.
type TokenBucketLimiter struct {
	name       string
	capacity   float64
	refillRate float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

var _ Limiter = (*TokenBucketLimiter)(nil)

// NewTokenBucketLimiter creates a new token bucket rate limiter with the given
// capacity and refill rate (tokens per second).
func NewTokenBucketLimiter(name string, capacity int, refillRate float64) (*TokenBucketLimiter, error) {
	if name == "" {
		return nil, fmt.Errorf("limiter name should not be empty")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity should be positive, got %d", capacity)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("refill rate should be positive, got %v", refillRate)
	}
	return &TokenBucketLimiter{
		name:       name,
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
	}, nil
}

// Allow reports whether a request of cost 1 fits into the limit.
func (l *TokenBucketLimiter) Allow(ctx context.Context) (allow bool, retryAfter time.Duration, err error) {
	return l.AllowN(ctx, 1)
}

// AllowN reports whether a request of the given cost fits into the limit.
// On deny, the token count is left unchanged.
func (l *TokenBucketLimiter) AllowN(_ context.Context, cost int) (allow bool, retryAfter time.Duration, err error) {
	if cost <= 0 {
		return false, 0, fmt.Errorf("cost should be positive, got %d", cost)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refill(now)
	if l.tokens >= float64(cost) {
		l.tokens -= float64(cost)
		return true, 0, nil
	}
	return false, tokenBucketRetryAfter(l.tokens, float64(cost), l.refillRate), nil
}

// Capacity returns the number of whole tokens currently available and the
// configured capacity.
func (l *TokenBucketLimiter) Capacity(_ context.Context) (remaining, limit int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return int(l.tokens), int(l.capacity), nil
}

// Do runs op if a token is available, otherwise returns LimitExceededError.
func (l *TokenBucketLimiter) Do(ctx context.Context, op func(context.Context) error) error {
	return doWithLimiter(ctx, l, l.name, op)
}

// Wrap returns a new function running op under the rate limit.
// The returned function behaves exactly as Do.
func (l *TokenBucketLimiter) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return l.Do(ctx, op)
	}
}

// refill must be called with the lock held.
func (l *TokenBucketLimiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.refillRate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.lastRefill = now
}

func tokenBucketRetryAfter(tokens, cost, refillRate float64) time.Duration {
	return time.Duration((cost - tokens) / refillRate * float64(time.Second))
}

// tokenBucketState is the shared state of a distributed token bucket.
type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"` // Unix nanoseconds
}

// DistributedLimiterOpts contains optional parameters for constructing
// distributed rate limiters.
type DistributedLimiterOpts struct {
	// Logger is used for logging rate limiting events.
	Logger log.FieldLogger

	// StorageFailurePolicy defines limiter behavior when the storage backend
	// is unreachable: FailClosed (default) denies the request and surfaces the
	// storage error, FailOpen grants the request without touching shared state.
	StorageFailurePolicy storage.FailurePolicy

	// StateTTL is a TTL applied to the limiter state key on every write.
	// Zero means no expiration for the token bucket and twice the window size
	// for the fixed window limiter.
	StateTTL time.Duration
}

// DistributedTokenBucketLimiter is a token bucket limiter whose authoritative
// state lives in a storage backend shared by multiple processes. The whole
// refill-check-deduct sequence runs as one atomic backend update, so two
// concurrent callers can never both spend the same tokens.
type DistributedTokenBucketLimiter struct {
	name          string
	capacity      float64
	refillRate    float64
	backend       storage.Backend
	failurePolicy storage.FailurePolicy
	stateTTL      time.Duration
	logger        log.FieldLogger
	key           string

	now func() time.Time
}

var _ Limiter = (*DistributedTokenBucketLimiter)(nil)

// NewDistributedTokenBucketLimiter creates a new distributed token bucket rate limiter.
func NewDistributedTokenBucketLimiter(
	name string, capacity int, refillRate float64, backend storage.Backend,
) (*DistributedTokenBucketLimiter, error) {
	return NewDistributedTokenBucketLimiterWithOpts(name, capacity, refillRate, backend, DistributedLimiterOpts{})
}

// NewDistributedTokenBucketLimiterWithOpts creates a new distributed token bucket rate limiter
// with an ability to specify different optional parameters.
func NewDistributedTokenBucketLimiterWithOpts(
	name string, capacity int, refillRate float64, backend storage.Backend, opts DistributedLimiterOpts,
) (*DistributedTokenBucketLimiter, error) {
	if name == "" {
		return nil, fmt.Errorf("limiter name should not be empty")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity should be positive, got %d", capacity)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("refill rate should be positive, got %v", refillRate)
	}
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &DistributedTokenBucketLimiter{
		name:          name,
		capacity:      float64(capacity),
		refillRate:    refillRate,
		backend:       backend,
		failurePolicy: opts.StorageFailurePolicy,
		stateTTL:      opts.StateTTL,
		logger:        logger,
		key:           tokenBucketKey(name),
		now:           time.Now,
	}, nil
}

// Allow reports whether a request of cost 1 fits into the limit.
func (l *DistributedTokenBucketLimiter) Allow(ctx context.Context) (allow bool, retryAfter time.Duration, err error) {
	return l.AllowN(ctx, 1)
}

// AllowN reports whether a request of the given cost fits into the limit.
func (l *DistributedTokenBucketLimiter) AllowN(ctx context.Context, cost int) (allow bool, retryAfter time.Duration, err error) {
	if cost <= 0 {
		return false, 0, fmt.Errorf("cost should be positive, got %d", cost)
	}

	var allowed bool
	var denyRetryAfter time.Duration
	_, err = l.backend.AtomicUpdate(ctx, l.key, func(old []byte, exists bool) ([]byte, error) {
		now := l.now()
		st := tokenBucketState{Tokens: l.capacity, LastRefill: now.UnixNano()}
		if exists {
			if jErr := json.Unmarshal(old, &st); jErr != nil {
				// Unreadable state means the key was corrupted, start over from a full bucket.
				st = tokenBucketState{Tokens: l.capacity, LastRefill: now.UnixNano()}
			}
		}

		if elapsed := time.Duration(now.UnixNano() - st.LastRefill); elapsed > 0 {
			st.Tokens += elapsed.Seconds() * l.refillRate
			if st.Tokens > l.capacity {
				st.Tokens = l.capacity
			}
		}
		st.LastRefill = now.UnixNano()

		if st.Tokens >= float64(cost) {
			st.Tokens -= float64(cost)
			allowed, denyRetryAfter = true, 0
		} else {
			allowed = false
			denyRetryAfter = tokenBucketRetryAfter(st.Tokens, float64(cost), l.refillRate)
		}
		return json.Marshal(st)
	}, l.stateTTL)
	if err != nil {
		if l.failurePolicy == storage.FailOpen {
			l.logger.Warn("token bucket storage backend failed, failing open",
				log.String("limiter", l.name), log.Error(err))
			return true, 0, nil
		}
		return false, 0, err
	}
	return allowed, denyRetryAfter, nil
}

// Capacity returns the number of whole tokens currently available and the
// configured capacity. It never consumes tokens.
func (l *DistributedTokenBucketLimiter) Capacity(ctx context.Context) (remaining, limit int, err error) {
	val, exists, err := l.backend.Get(ctx, l.key)
	if err != nil {
		return 0, int(l.capacity), err
	}
	if !exists {
		return int(l.capacity), int(l.capacity), nil
	}
	var st tokenBucketState
	if jErr := json.Unmarshal(val, &st); jErr != nil {
		return int(l.capacity), int(l.capacity), nil
	}
	tokens := st.Tokens
	if elapsed := time.Duration(l.now().UnixNano() - st.LastRefill); elapsed > 0 {
		tokens += elapsed.Seconds() * l.refillRate
	}
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return int(tokens), int(l.capacity), nil
}

// Do runs op if a token is available, otherwise returns LimitExceededError.
func (l *DistributedTokenBucketLimiter) Do(ctx context.Context, op func(context.Context) error) error {
	return doWithLimiter(ctx, l, l.name, op)
}

// Wrap returns a new function running op under the rate limit.
// The returned function behaves exactly as Do.
func (l *DistributedTokenBucketLimiter) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return l.Do(ctx, op)
	}
}
