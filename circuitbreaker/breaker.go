/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/rs/xid"
)

// Breaker is a single-process circuit breaker keeping its state in memory.
type Breaker struct {
	name    string
	params  evalParams
	logger  log.FieldLogger
	metrics MetricsCollector

	mu sync.Mutex
	st breakerState

	now func() time.Time
}

// Opts contains optional parameters for constructing Breaker.
type Opts struct {
	// Logger is used for logging state transitions.
	Logger log.FieldLogger

	// MetricsCollector observes state transitions.
	MetricsCollector MetricsCollector

	// TrialTimeout is the deadline for the half-open trial call.
	// When it expires, the trial claim self-releases and another caller may
	// attempt recovery. DefaultTrialTimeout is used if not specified.
	TrialTimeout time.Duration
}

// New creates a new circuit breaker. The breaker opens after failureThreshold
// consecutive failures and starts probing for recovery after recoveryTimeout.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) (*Breaker, error) {
	return NewWithOpts(name, failureThreshold, recoveryTimeout, Opts{})
}

// NewWithOpts creates a new circuit breaker
// with an ability to specify different optional parameters.
func NewWithOpts(name string, failureThreshold int, recoveryTimeout time.Duration, opts Opts) (*Breaker, error) {
	if err := validateParams(name, failureThreshold, recoveryTimeout); err != nil {
		return nil, err
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
	return &Breaker{
		name: name,
		params: evalParams{
			failureThreshold: failureThreshold,
			recoveryTimeout:  recoveryTimeout,
			trialTimeout:     trialTimeout,
		},
		logger:  logger,
		metrics: metrics,
		st:      breakerState{State: stateClosed},
		now:     time.Now,
	}, nil
}

// Do runs op if the breaker admits the call.
// When the circuit is open, OpenError is returned without running op.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	return b.DoWithFallback(ctx, op, nil)
}

// DoWithFallback is like Do, but runs fallback instead of returning OpenError
// when the call is rejected. Failures of op itself are never replaced by the
// fallback result.
func (b *Breaker) DoWithFallback(ctx context.Context, op, fallback func(context.Context) error) error {
	owner := xid.New().String()

	b.mu.Lock()
	now := b.now()
	before := b.st.current(now)
	d, retryAfter := b.st.evaluate(now, owner, b.params)
	after := b.st.current(now)
	b.mu.Unlock()
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

	b.mu.Lock()
	now = b.now()
	before = b.st.current(now)
	b.st.record(now, trialOwner, opErr == nil, b.params)
	after = b.st.current(now)
	b.mu.Unlock()
	b.observeTransition(before, after)

	return opErr
}

// Wrap returns a new function running op through the breaker.
// The returned function behaves exactly as Do.
func (b *Breaker) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return b.Do(ctx, op)
	}
}

// State returns the current observable state of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.current(b.now())
}

func (b *Breaker) observeTransition(from, to State) {
	if from == to {
		return
	}
	b.logger.Info("circuit breaker state changed",
		log.String("name", b.name), log.String("from", from.String()), log.String("to", to.String()))
	b.metrics.StateChanged(b.name, from, to)
}
