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

package orchestrator

import "fmt"

// State is one step of the per-request state machine
type State string

const (
	StateInit        State = "INIT"
	StatePlanned     State = "PLANNED"
	StateCacheCheck  State = "CACHE_CHECK"
	StateFormat      State = "FORMAT"
	StateConstructed State = "CONSTRUCTED"
	StateOptimized   State = "OPTIMIZED"
	StateSecured     State = "SECURED"
	StateExecuting   State = "EXECUTING"
	StateRecovering  State = "RECOVERING"
	StateAggregated  State = "AGGREGATED"
	StateCacheWrite  State = "CACHE_WRITE"
	StateMonitored   State = "MONITORED"
	StateDone        State = "DONE"
	StateError       State = "ERROR"
)

// transitions is the complete edge set. DONE and ERROR have no outgoing
// edges.
var transitions = map[State][]State{
	StateInit:        {StatePlanned, StateError},
	StatePlanned:     {StateCacheCheck, StateError},
	StateCacheCheck:  {StateFormat, StateConstructed, StateError},
	StateFormat:      {StateMonitored, StateError},
	StateConstructed: {StateOptimized, StateError},
	StateOptimized:   {StateSecured, StateError},
	StateSecured:     {StateExecuting, StateError},
	StateExecuting:   {StateAggregated, StateRecovering, StateError},
	StateRecovering:  {StateExecuting, StateConstructed, StateAggregated, StateError},
	StateAggregated:  {StateCacheWrite, StateError},
	StateCacheWrite:  {StateMonitored, StateError},
	StateMonitored:   {StateDone},
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// CanTransition reports whether from -> to is a declared edge
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine tracks one request. It is not safe for concurrent use; the
// request goroutine owns it.
type stateMachine struct {
	current State
	path    []State
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateInit, path: []State{StateInit}}
}

func (m *stateMachine) transition(to State) error {
	if !CanTransition(m.current, to) {
		return fmt.Errorf("illegal state transition %s -> %s", m.current, to)
	}
	m.current = to
	m.path = append(m.path, to)
	return nil
}

// fail moves to ERROR from any non-terminal state
func (m *stateMachine) fail() {
	if m.current.Terminal() {
		return
	}
	if CanTransition(m.current, StateError) {
		m.current = StateError
		m.path = append(m.path, StateError)
	}
}

func (m *stateMachine) Current() State {
	return m.current
}

func (m *stateMachine) clone() *stateMachine {
	return &stateMachine{current: m.current, path: append([]State(nil), m.path...)}
}

// Path returns the states visited so far, in order
func (m *stateMachine) Path() []State {
	return append([]State(nil), m.path...)
}
