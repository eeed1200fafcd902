/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package breaker provides a consecutive-failure circuit breaker.
//
// closed: calls pass, each failure increments the counter. Reaching the threshold opens the circuit.
// open: calls fail immediately until the reset timeout has elapsed since the last failure.
// half-open: a single probe call is admitted; success closes the circuit, failure re-opens it.
package breaker

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/prediction-gateway/internal/shared/prediction"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	return [...]string{
		"closed", "open", "half-open",
	}[s]
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

type Config struct {
	FailureThreshold int           `json:"failureThreshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `json:"resetTimeout" yaml:"reset_timeout"`
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State            State     `json:"-"`
	StateName        string    `json:"state"`
	Failures         int       `json:"failures"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	FailureThreshold int       `json:"failure_threshold"`
	ResetTimeout     string    `json:"reset_timeout"`
}

type CircuitBreaker struct {
	mu            sync.Mutex
	clock         clock.Clock
	threshold     int
	resetTimeout  time.Duration
	state         State
	failures      int
	lastFailure   time.Time
	probeInFlight bool
	onChange      func(from, to State)
}

func New(cfg Config, clk clock.Clock) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CircuitBreaker{
		clock:        clk,
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
	}
}

// OnStateChange registers a hook called (under the breaker lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Allow reports whether a call may proceed. It returns prediction.ErrCircuitOpen
// while the circuit is open, or while a half-open probe is already in flight.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Since(cb.lastFailure) < cb.resetTimeout {
			return prediction.ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probeInFlight = true
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return prediction.ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil
	}
	return nil
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probeInFlight = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.clock.Now()
	cb.probeInFlight = false
	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.setState(StateOpen)
		}
	}
}

// Execute runs fn under the breaker. isFailure decides which errors count against the circuit;
// a nil isFailure counts every error.
func (cb *CircuitBreaker) Execute(fn func() error, isFailure func(error) bool) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		cb.Failure()
		return err
	}
	cb.Success()
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:            cb.state,
		StateName:        cb.state.String(),
		Failures:         cb.failures,
		LastFailure:      cb.lastFailure,
		FailureThreshold: cb.threshold,
		ResetTimeout:     cb.resetTimeout.String(),
	}
}

// Abandon ends an allowed call that says nothing about the store, such as one cut short by
// its caller. A half-open probe slot is freed; state and failure count are unchanged.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if cb.onChange != nil && from != to {
		cb.onChange(from, to)
	}
}
