/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package taskmanager provides a bounded worker pool with cooperative
// cancellation. Submitted units of work run on a fixed number of workers and
// wait in a bounded queue; cancellation is delivered through the task context
// and observed by the task at its own suspension points, in-flight work is
// never killed abruptly.
package taskmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/acronis/go-appkit/log"
	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Task is a unit of work. It should honor ctx cancellation at well-defined
// checkpoints so that it never leaves shared state half-mutated.
type Task func(ctx context.Context) error

// QueueFullError is returned by Submit when the task queue is full.
type QueueFullError struct {
	QueueSize int
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("task queue is full (%d tasks)", e.QueueSize)
}

// Handle tracks a submitted task.
type Handle struct {
	// ID uniquely identifies the task.
	ID string

	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Done returns a channel that is closed when the task finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task result. It is only valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Cancel requests cooperative cancellation of the task. A queued task will not
// start, a running task observes the cancellation through its context.
func (h *Handle) Cancel() {
	h.cancel()
}

// Opts represents an options for the Manager.
type Opts struct {
	// Logger is used for logging task panics and cancellations.
	Logger log.FieldLogger
}

// Manager is a bounded worker pool. It is safe for concurrent use.
type Manager struct {
	workers   int
	queueSize int
	logger    log.FieldLogger

	tasks  chan *queuedTask
	wg     sync.WaitGroup
	active *atomic.Int32

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	shutdown bool
}

type queuedTask struct {
	ctx    context.Context
	fn     Task
	handle *Handle
}

// New creates a new Manager with the default options and starts its workers.
func New(workers, queueSize int) (*Manager, error) {
	return NewWithOpts(workers, queueSize, Opts{})
}

// NewWithOpts creates a new Manager with the specified options and starts its workers.
func NewWithOpts(workers, queueSize int, opts Opts) (*Manager, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers count should be positive, got %d", workers)
	}
	if queueSize < 0 {
		return nil, fmt.Errorf("queue size should not be negative, got %d", queueSize)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	m := &Manager{
		workers:   workers,
		queueSize: queueSize,
		logger:    opts.Logger,
		tasks:     make(chan *queuedTask, queueSize),
		active:    atomic.NewInt32(0),
		cancels:   make(map[string]context.CancelFunc),
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.worker()
	}
	return m, nil
}

// Submit queues fn for execution. The task context is derived from ctx, so
// canceling ctx cancels the task as well. Submit fails with QueueFullError
// when the queue is full and never blocks.
func (m *Manager) Submit(ctx context.Context, fn Task) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, fmt.Errorf("task manager is shut down")
	}
	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{ID: xid.New().String(), done: make(chan struct{}), cancel: cancel}
	select {
	case m.tasks <- &queuedTask{ctx: taskCtx, fn: fn, handle: h}:
		m.cancels[h.ID] = cancel
		return h, nil
	default:
		cancel()
		return nil, &QueueFullError{QueueSize: m.queueSize}
	}
}

// Run submits fn and waits for it to finish. It implements bulkhead.Runner.
func (m *Manager) Run(ctx context.Context, fn func(context.Context) error) error {
	h, err := m.Submit(ctx, fn)
	if err != nil {
		return err
	}
	<-h.Done()
	return h.Err()
}

// CancelAll cooperatively cancels every queued and running task.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	m.logger.Info("canceled all tasks", log.Int("tasks", len(cancels)))
}

// Shutdown stops accepting new tasks, drains the queue and waits for workers
// to finish or for ctx to be done. Queued tasks still run during the drain;
// combine with CancelAll to abandon them instead.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	close(m.tasks)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCount returns the number of tasks currently running.
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}

// QueueLen returns the number of tasks waiting for a worker.
func (m *Manager) QueueLen() int {
	return len(m.tasks)
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.tasks {
		m.runTask(t)
	}
}

func (m *Manager) runTask(t *queuedTask) {
	m.active.Inc()
	defer m.active.Dec()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, t.handle.ID)
		m.mu.Unlock()
	}()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task panicked: %v", p)
				m.logger.Error("task panicked",
					log.String("task_id", t.handle.ID), log.String("panic", fmt.Sprintf("%v", p)))
			}
		}()
		// A task canceled while still queued does not start at all.
		if err = t.ctx.Err(); err != nil {
			return
		}
		err = t.fn(t.ctx)
	}()
	t.handle.err = err
	close(t.handle.done)
}
