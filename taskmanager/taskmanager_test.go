/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var errTaskFailed = errors.New("task failed")

func TestNewValidation(t *testing.T) {
	_, err := New(0, 10)
	require.Error(t, err)
	_, err = New(4, -1)
	require.Error(t, err)
}

func TestManagerRunsSubmittedTasks(t *testing.T) {
	m, err := New(4, 16)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	done := atomic.NewInt32(0)
	var handles []*Handle
	for i := 0; i < 10; i++ {
		h, submitErr := m.Submit(context.Background(), func(ctx context.Context) error {
			done.Inc()
			return nil
		})
		require.NoError(t, submitErr)
		require.NotEmpty(t, h.ID)
		handles = append(handles, h)
	}
	for _, h := range handles {
		<-h.Done()
		require.NoError(t, h.Err())
	}
	require.Equal(t, int32(10), done.Load())
}

func TestManagerTaskFailure(t *testing.T) {
	m, err := New(1, 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	h, err := m.Submit(context.Background(), func(ctx context.Context) error { return errTaskFailed })
	require.NoError(t, err)
	<-h.Done()
	require.ErrorIs(t, h.Err(), errTaskFailed)
}

func TestManagerQueueFull(t *testing.T) {
	m, err := New(1, 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	workerBusy := make(chan struct{})
	release := make(chan struct{})
	busy, err := m.Submit(context.Background(), func(ctx context.Context) error {
		close(workerBusy)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-workerBusy

	queued, err := m.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), func(ctx context.Context) error { return nil })
	var queueFullErr *QueueFullError
	require.ErrorAs(t, err, &queueFullErr)
	require.Equal(t, 1, queueFullErr.QueueSize)

	close(release)
	<-busy.Done()
	<-queued.Done()
}

func TestManagerCancelRunningTask(t *testing.T) {
	m, err := New(1, 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	started := make(chan struct{})
	h, err := m.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	h.Cancel()
	<-h.Done()
	require.ErrorIs(t, h.Err(), context.Canceled)
}

func TestManagerCancelAll(t *testing.T) {
	m, err := New(1, 4)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	started := make(chan struct{})
	running, err := m.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	// Queued behind the running task; it must not start after CancelAll.
	taskRan := atomic.NewBool(false)
	queued, err := m.Submit(context.Background(), func(ctx context.Context) error {
		taskRan.Store(true)
		return nil
	})
	require.NoError(t, err)

	m.CancelAll()
	<-running.Done()
	require.ErrorIs(t, running.Err(), context.Canceled)
	<-queued.Done()
	require.ErrorIs(t, queued.Err(), context.Canceled)
	require.False(t, taskRan.Load(), "a task canceled while queued should not start")
}

func TestManagerSubmitContextCancel(t *testing.T) {
	m, err := New(1, 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h, err := m.Submit(ctx, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	cancel()
	<-h.Done()
	require.ErrorIs(t, h.Err(), context.Canceled)
}

func TestManagerTaskPanicIsRecovered(t *testing.T) {
	m, err := New(1, 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	h, err := m.Submit(context.Background(), func(ctx context.Context) error { panic("boom") })
	require.NoError(t, err)
	<-h.Done()
	require.ErrorContains(t, h.Err(), "boom")

	// The worker survives the panic.
	h, err = m.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	<-h.Done()
	require.NoError(t, h.Err())
}

func TestManagerShutdownDrainsQueue(t *testing.T) {
	m, err := New(1, 8)
	require.NoError(t, err)

	done := atomic.NewInt32(0)
	for i := 0; i < 5; i++ {
		_, submitErr := m.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			done.Inc()
			return nil
		})
		require.NoError(t, submitErr)
	}

	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, int32(5), done.Load(), "queued tasks should run during the drain")

	_, err = m.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err, "submit after shutdown should fail")
}

func TestManagerShutdownTimeout(t *testing.T) {
	m, err := New(1, 1)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	h, err := m.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	<-h.Done()
}

func TestManagerRun(t *testing.T) {
	m, err := New(2, 4)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Shutdown(context.Background())) }()

	require.NoError(t, m.Run(context.Background(), func(ctx context.Context) error { return nil }))
	require.ErrorIs(t, m.Run(context.Background(), func(ctx context.Context) error { return errTaskFailed }),
		errTaskFailed)
}
