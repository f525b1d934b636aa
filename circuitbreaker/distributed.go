/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/rs/xid"

	"github.com/acronis/go-resilience/storage"
)

// DistributedBreaker is a circuit breaker whose authoritative state lives in
// a storage backend shared by multiple processes. No process caches the state
// longer than one evaluation: admission and outcome recording each run as a
// single atomic backend update, so concurrent processes can never interleave
// a read-decide-write sequence.
type DistributedBreaker struct {
	name          string
	params        evalParams
	backend       storage.Backend
	failurePolicy storage.FailurePolicy
	logger        log.FieldLogger
	metrics       MetricsCollector
	key           string

	now func() time.Time
}

// DistributedOpts contains optional parameters for constructing DistributedBreaker.
type DistributedOpts struct {
	// Logger is used for logging state transitions.
	Logger log.FieldLogger

	// MetricsCollector observes state transitions.
	MetricsCollector MetricsCollector

	// TrialTimeout is the deadline for the half-open trial call.
	// DefaultTrialTimeout is used if not specified.
	TrialTimeout time.Duration

	// StorageFailurePolicy defines breaker behavior when the storage backend
	// is unreachable: FailClosed (default) rejects the call and surfaces the
	// storage error, FailOpen runs the call without consulting or updating
	// the shared state.
	StorageFailurePolicy storage.FailurePolicy
}

// NewDistributed creates a new distributed circuit breaker.
func NewDistributed(
	name string, failureThreshold int, recoveryTimeout time.Duration, backend storage.Backend,
) (*DistributedBreaker, error) {
	return NewDistributedWithOpts(name, failureThreshold, recoveryTimeout, backend, DistributedOpts{})
}

// NewDistributedWithOpts creates a new distributed circuit breaker
// with an ability to specify different optional parameters.
func NewDistributedWithOpts(
	name string, failureThreshold int, recoveryTimeout time.Duration, backend storage.Backend, opts DistributedOpts,
) (*DistributedBreaker, error) {
	if err := validateParams(name, failureThreshold, recoveryTimeout); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errBackendRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	metrics := opts.MetricsCollector
	if metrics == nil {
		metrics = disabledMetricsCollector{}
	}
	trialTimeout := opts.TrialTimeout
	if trialTimeout <= 0 {
		trialTimeout = DefaultTrialTimeout
	}
	return &DistributedBreaker{
		name: name,
		params: evalParams{
			failureThreshold: failureThreshold,
			recoveryTimeout:  recoveryTimeout,
			trialTimeout:     trialTimeout,
		},
		backend:       backend,
		failurePolicy: opts.StorageFailurePolicy,
		logger:        logger,
		metrics:       metrics,
		key:           breakerKey(name),
		now:           time.Now,
	}, nil
}

// Do runs op if the breaker admits the call.
// When the circuit is open, OpenError is returned without running op.
func (b *DistributedBreaker) Do(ctx context.Context, op func(context.Context) error) error {
	return b.DoWithFallback(ctx, op, nil)
}

// DoWithFallback is like Do, but runs fallback instead of returning OpenError
// when the call is rejected.
func (b *DistributedBreaker) DoWithFallback(ctx context.Context, op, fallback func(context.Context) error) error {
	owner := xid.New().String()

	var d decision
	var retryAfter time.Duration
	var before, after State
	_, err := b.backend.AtomicUpdate(ctx, b.key, func(old []byte, exists bool) ([]byte, error) {
		st := b.parseState(old, exists)
		now := b.now()
		before = st.current(now)
		d, retryAfter = st.evaluate(now, owner, b.params)
		after = st.current(now)
		return json.Marshal(st)
	}, 0)
	if err != nil {
		if b.failurePolicy == storage.FailOpen {
			b.logger.Warn("circuit breaker storage backend failed, failing open",
				log.String("name", b.name), log.Error(err))
			return op(ctx)
		}
		return err
	}
	b.observeTransition(before, after)

	if d == decisionReject {
		if fallback != nil {
			return fallback(ctx)
		}
		return &OpenError{Name: b.name, RetryAfter: retryAfter}
	}

	trialOwner := ""
	if d == decisionTrial {
		trialOwner = owner
	}
	opErr := op(ctx)

	_, recErr := b.backend.AtomicUpdate(ctx, b.key, func(old []byte, exists bool) ([]byte, error) {
		st := b.parseState(old, exists)
		now := b.now()
		before = st.current(now)
		st.record(now, trialOwner, opErr == nil, b.params)
		after = st.current(now)
		return json.Marshal(st)
	}, 0)
	if recErr != nil {
		// The outcome is lost but nothing can wedge: a held trial claim
		// self-expires by its deadline.
		b.logger.Error("failed to record circuit breaker call outcome",
			log.String("name", b.name), log.Error(recErr))
		return opErr
	}
	b.observeTransition(before, after)

	return opErr
}

// Wrap returns a new function running op through the breaker.
// The returned function behaves exactly as Do.
func (b *DistributedBreaker) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return b.Do(ctx, op)
	}
}

// State returns the current observable state of the breaker.
func (b *DistributedBreaker) State(ctx context.Context) (State, error) {
	val, exists, err := b.backend.Get(ctx, b.key)
	if err != nil {
		return StateClosed, err
	}
	st := b.parseState(val, exists)
	return st.current(b.now()), nil
}

func (b *DistributedBreaker) parseState(val []byte, exists bool) breakerState {
	st := breakerState{State: stateClosed}
	if !exists {
		return st
	}
	if err := json.Unmarshal(val, &st); err != nil {
		// Unreadable state means the key was corrupted, start over from closed.
		b.logger.Warn("unreadable circuit breaker state, resetting to closed",
			log.String("name", b.name), log.Error(err))
		return breakerState{State: stateClosed}
	}
	if st.State == "" {
		st.State = stateClosed
	}
	return st
}

func (b *DistributedBreaker) observeTransition(from, to State) {
	if from == to {
		return
	}
	b.logger.Info("circuit breaker state changed",
		log.String("name", b.name), log.String("from", from.String()), log.String("to", to.String()))
	b.metrics.StateChanged(b.name, from, to)
}
