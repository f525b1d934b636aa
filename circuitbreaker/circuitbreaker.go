/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package circuitbreaker implements the circuit breaker pattern: a stateful
// failure-rate gate that stops calling a failing dependency until it appears
// to have recovered.
//
// The breaker has three states. CLOSED: calls run normally, consecutive
// failures are counted. OPEN: calls are rejected without running until the
// recovery timeout elapses. HALF_OPEN: exactly one caller wins the right to
// make a trial call; its success closes the breaker, its failure reopens it.
// The trial claim carries a deadline so a trial that never completes (crashed
// process, stuck call) cannot wedge the breaker.
//
// Breaker keeps its state in memory and protects callers within one process.
// DistributedBreaker keeps the authoritative state in a storage.Backend so
// that every process addressing the same breaker name shares one state
// machine; every state transition is performed as a single atomic backend
// operation.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

var errBackendRequired = errors.New("storage backend is required")

// State represents the observable state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// DefaultTrialTimeout is a default deadline for the half-open trial call.
const DefaultTrialTimeout = 30 * time.Second

// breakerKey returns the backend key under which the breaker state is stored.
// The trial claim is part of the state value, so claiming the trial and the
// accompanying transition commit in one atomic operation.
func breakerKey(name string) string {
	return "resilience:cb:" + name
}

const (
	stateClosed = "closed"
	stateOpen   = "open"
)

// breakerState is the persistent state of a breaker. Only closed and open are
// stored; half-open is the condition "open, recovery timeout elapsed, trial
// claim held and not expired".
type breakerState struct {
	State         string `json:"state"`
	FailureCount  int    `json:"failure_count"`
	LastOpenTime  int64  `json:"last_open_time,omitempty"` // Unix nanoseconds
	TrialOwner    string `json:"trial_owner,omitempty"`
	TrialDeadline int64  `json:"trial_deadline,omitempty"` // Unix nanoseconds
}

type evalParams struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	trialTimeout     time.Duration
}

type decision int

const (
	decisionAllow decision = iota
	decisionReject
	decisionTrial
)

// evaluate decides whether the next call may run and mutates the state
// accordingly. Exactly one transition rule fires per evaluation.
// owner identifies the caller and becomes the trial claim owner if the
// decision is decisionTrial.
func (s *breakerState) evaluate(now time.Time, owner string, p evalParams) (d decision, retryAfter time.Duration) {
	if s.State != stateOpen {
		return decisionAllow, 0
	}
	sinceOpen := now.UnixNano() - s.LastOpenTime
	if sinceOpen < p.recoveryTimeout.Nanoseconds() {
		return decisionReject, p.recoveryTimeout - time.Duration(sinceOpen)
	}
	if s.TrialOwner != "" && now.UnixNano() < s.TrialDeadline {
		// Another caller already holds the trial claim.
		return decisionReject, 0
	}
	s.TrialOwner = owner
	s.TrialDeadline = now.Add(p.trialTimeout).UnixNano()
	return decisionTrial, 0
}

// record applies the outcome of a finished call. trialOwner is non-empty only
// for the trial call and must match the current claim; a stale trial outcome
// (the claim expired and was taken over) is dropped.
func (s *breakerState) record(now time.Time, trialOwner string, success bool, p evalParams) {
	if trialOwner != "" {
		if s.TrialOwner != trialOwner {
			return
		}
		s.TrialOwner, s.TrialDeadline = "", 0
		if success {
			s.State = stateClosed
			s.FailureCount = 0
			s.LastOpenTime = 0
			return
		}
		s.State = stateOpen
		s.LastOpenTime = now.UnixNano()
		return
	}

	if s.State == stateOpen {
		// The call was admitted before the breaker opened, its outcome
		// must not affect the open state.
		return
	}
	if success {
		s.FailureCount = 0
		return
	}
	s.FailureCount++
	if s.FailureCount >= p.failureThreshold {
		s.State = stateOpen
		s.LastOpenTime = now.UnixNano()
	}
}

// current maps the persistent state to the observable one.
func (s *breakerState) current(now time.Time) State {
	if s.State != stateOpen {
		return StateClosed
	}
	if s.TrialOwner != "" && now.UnixNano() < s.TrialDeadline {
		return StateHalfOpen
	}
	return StateOpen
}

func validateParams(name string, failureThreshold int, recoveryTimeout time.Duration) error {
	if name == "" {
		return fmt.Errorf("circuit breaker name should not be empty")
	}
	if failureThreshold <= 0 {
		return fmt.Errorf("failure threshold should be positive, got %d", failureThreshold)
	}
	if recoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout should be positive, got %s", recoveryTimeout)
	}
	return nil
}
