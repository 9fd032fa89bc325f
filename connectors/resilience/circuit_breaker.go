// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

// ErrCircuitOpen is the cause carried by the SourceError an open breaker returns
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker position
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calls to a source after maxFailures consecutive
// failures. After resetTimeout one trial request is let through; halfOpenMax
// successful trials close the breaker, any failed trial re-opens it.
type CircuitBreaker struct {
	name            string
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMax     int
	failures        int
	state           State
	lastFailureTime time.Time
	halfOpenSuccess int
	probing         bool
	now             func() time.Time
	mu              sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  1,
		state:        StateClosed,
		now:          time.Now,
	}
}

// Execute runs fn through the breaker. An open breaker short-circuits with a
// source_unavailable SourceError without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	if err != nil && countsAsFailure(err) {
		cb.recordFailure()
		return err
	}
	if err == nil {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.resetTimeout {
			return cb.openError()
		}
		cb.state = StateHalfOpen
		cb.halfOpenSuccess = 0
		cb.probing = true
	case StateHalfOpen:
		// one trial at a time
		if cb.probing {
			return cb.openError()
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) openError() error {
	return base.NewSourceError(cb.name, base.KindSourceUnavailable,
		fmt.Sprintf("circuit breaker '%s' is open", cb.name), ErrCircuitOpen)
}

// countsAsFailure keeps caller cancellation from tripping the breaker
func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == StateHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
		return
	}
	cb.failures = 0
}

// State returns the current breaker position. An open breaker whose reset
// timeout has passed reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenSuccess = 0
	cb.probing = false
}

// BreakerSet hands out one breaker per source name
type BreakerSet struct {
	mu           sync.Mutex
	breakers     map[string]*CircuitBreaker
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
}

// NewBreakerSet creates breakers lazily with the given thresholds
func NewBreakerSet(maxFailures int, resetTimeout time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:     make(map[string]*CircuitBreaker),
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// WithClock overrides the time source of breakers created afterwards
func (s *BreakerSet) WithClock(now func() time.Time) *BreakerSet {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// For returns the breaker for source, creating it on first use
func (s *BreakerSet) For(source string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[source]
	if !ok {
		cb = NewCircuitBreaker(source, s.maxFailures, s.resetTimeout)
		cb.now = s.now
		s.breakers[source] = cb
	}
	return cb
}

// States reports every known breaker position, keyed by source
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.Unlock()

	out := make(map[string]string, len(breakers))
	for _, cb := range breakers {
		out[cb.name] = cb.State().String()
	}
	return out
}
