/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package bulkhead implements the bulkhead pattern: an admission controller
// that bounds the number of operations running simultaneously. At most
// maxConcurrent operations hold a permit at any instant; callers beyond that
// wait in a bounded FIFO queue. A caller that cannot be queued is rejected
// immediately, a queued caller gives up after the queue timeout.
package bulkhead

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
)

// DefaultQueueTimeout determines how long a queued caller waits for a permit
// if Opts.QueueTimeout is not specified.
const DefaultQueueTimeout = 5 * time.Second

// RejectedError is returned when the wait queue is full and the caller cannot
// even be queued.
type RejectedError struct {
	Name string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("bulkhead %q rejected call, queue is full", e.Name)
}

// TimeoutError is returned when a queued caller did not obtain a permit within
// the queue timeout.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bulkhead %q timed out waiting for a permit after %s", e.Name, e.Timeout)
}

// Runner executes admitted operations. It allows admitted work to be handed
// off to a worker pool (for example taskmanager.Manager) instead of running on
// the caller's goroutine.
type Runner interface {
	Run(ctx context.Context, fn func(context.Context) error) error
}

// Opts represents an options for the Bulkhead.
type Opts struct {
	// QueueTimeout is how long a queued caller waits for a permit.
	// DefaultQueueTimeout is used if not specified.
	QueueTimeout time.Duration

	// Runner executes admitted operations. Operations run on the caller's
	// goroutine if not specified.
	Runner Runner

	// Logger is used for logging rejections and queue timeouts.
	Logger log.FieldLogger
}

// waiter is a queued caller. The permit channel is closed by the releasing
// goroutine when the permit is handed over; granted distinguishes a handover
// racing with the waiter giving up.
type waiter struct {
	permit  chan struct{}
	granted bool
}

// Bulkhead bounds the number of simultaneously running operations.
// It is safe for concurrent use.
type Bulkhead struct {
	name          string
	maxConcurrent int
	maxQueueSize  int
	queueTimeout  time.Duration
	runner        Runner
	logger        log.FieldLogger

	mu      sync.Mutex
	active  int
	waiters *list.List
}

// New creates a new Bulkhead with the default options.
func New(name string, maxConcurrent, maxQueueSize int) (*Bulkhead, error) {
	return NewWithOpts(name, maxConcurrent, maxQueueSize, Opts{})
}

// NewWithOpts creates a new Bulkhead with the specified options.
func NewWithOpts(name string, maxConcurrent, maxQueueSize int, opts Opts) (*Bulkhead, error) {
	if name == "" {
		return nil, fmt.Errorf("bulkhead name should not be empty")
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent should be positive, got %d", maxConcurrent)
	}
	if maxQueueSize < 0 {
		return nil, fmt.Errorf("max queue size should not be negative, got %d", maxQueueSize)
	}
	if opts.QueueTimeout == 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Bulkhead{
		name:          name,
		maxConcurrent: maxConcurrent,
		maxQueueSize:  maxQueueSize,
		queueTimeout:  opts.QueueTimeout,
		runner:        opts.Runner,
		logger:        opts.Logger,
		waiters:       list.New(),
	}, nil
}

// Do runs op under a permit. It acquires a permit (waiting in the FIFO queue
// if necessary), runs op and releases the permit on every exit path.
func (b *Bulkhead) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	if b.runner != nil {
		return b.runner.Run(ctx, op)
	}
	return op(ctx)
}

// Wrap returns a function that runs op under a permit on every invocation.
func (b *Bulkhead) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return b.Do(ctx, op)
	}
}

// ActiveCount returns the number of permits currently held.
func (b *Bulkhead) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// QueueLen returns the number of callers currently waiting for a permit.
func (b *Bulkhead) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters.Len()
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.active < b.maxConcurrent {
		b.active++
		b.mu.Unlock()
		return nil
	}
	if b.waiters.Len() >= b.maxQueueSize {
		b.mu.Unlock()
		b.logger.Warn("bulkhead rejected call, queue is full",
			log.String("bulkhead", b.name), log.Int("max_queue_size", b.maxQueueSize))
		return &RejectedError{Name: b.name}
	}
	w := &waiter{permit: make(chan struct{})}
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()

	timer := time.NewTimer(b.queueTimeout)
	defer timer.Stop()
	select {
	case <-w.permit:
		return nil
	case <-timer.C:
		if b.abandon(elem, w) {
			b.logger.Warn("bulkhead queue wait timed out",
				log.String("bulkhead", b.name), log.Duration("queue_timeout", b.queueTimeout))
			return &TimeoutError{Name: b.name, Timeout: b.queueTimeout}
		}
	case <-ctx.Done():
		if b.abandon(elem, w) {
			return ctx.Err()
		}
	}
	// The permit was handed over while the waiter was giving up; keep it.
	<-w.permit
	return nil
}

// abandon removes a waiter from the queue. It reports false if the permit was
// already handed over, in which case the waiter owns it.
func (b *Bulkhead) abandon(elem *list.Element, w *waiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w.granted {
		return false
	}
	b.waiters.Remove(elem)
	return true
}

// release hands the permit to the longest-waiting caller, if any, so the
// number of held permits never dips below the demand. Otherwise the permit is
// returned to the pool.
func (b *Bulkhead) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elem := b.waiters.Front(); elem != nil {
		b.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		w.granted = true
		close(w.permit)
		return
	}
	b.active--
}
