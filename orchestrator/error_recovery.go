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

import (
	"context"
	"errors"
	"time"

	"github.com/HAK978/Query-Engine-Agent/cache"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
	"github.com/HAK978/Query-Engine-Agent/connectors/resilience"
	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

// Decision is how a single failure is handled
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionFallback
	DecisionFatal
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionFallback:
		return "fallback"
	default:
		return "fatal"
	}
}

// Classify maps an error onto its recovery decision. Timeouts and transient
// network errors are retried, unavailable sources fall back, and anything
// else is fatal.
func Classify(err error) Decision {
	if err == nil || isFatal(err) {
		return DecisionFatal
	}
	var srcErr *base.SourceError
	if !errors.As(err, &srcErr) {
		return DecisionFatal
	}
	switch srcErr.Kind {
	case base.KindSourceTimeout, base.KindTransientNetwork:
		return DecisionRetry
	case base.KindSourceUnavailable:
		return DecisionFallback
	default:
		return DecisionFatal
	}
}

// RecoveryAction is the step the engine takes out of RECOVERING
type RecoveryAction int

const (
	ActionRetry RecoveryAction = iota
	ActionFallback
	// ActionDegrade drops failed optional entries and aggregates the rest
	ActionDegrade
	// ActionStale serves the stale cache entry in place of the live result
	ActionStale
	ActionFatal
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionDegrade:
		return "degrade"
	case ActionStale:
		return "stale"
	default:
		return "fatal"
	}
}

// RecoveryStep is the controller's decision for one pass through
// RECOVERING
type RecoveryStep struct {
	Action RecoveryAction
	// Retry lists result indexes to execute again after Delay
	Retry []int
	Delay time.Duration
	// Fallback is the source that replaces the failed required entries
	// listed in Replace
	Fallback base.SourceKind
	Replace  []int
	Stale    *cache.Entry
	Err      error
}

// StaleLookup returns the stale-if-error entry for the request, if any
type StaleLookup func(ctx context.Context) (*cache.Entry, error)

// RecoveryState is the per-request memory of the controller
type RecoveryState struct {
	retries   map[string]int
	fallbacks []base.SourceKind
	stale     StaleLookup
}

// NewRecoveryState starts recovery bookkeeping for one request. stale may
// be nil when the request has no cache policy.
func NewRecoveryState(fallbacks []base.SourceKind, stale StaleLookup) *RecoveryState {
	return &RecoveryState{
		retries:   make(map[string]int),
		fallbacks: append([]base.SourceKind(nil), fallbacks...),
		stale:     stale,
	}
}

// Retries returns how many times an entry has been retried
func (s *RecoveryState) Retries(entryID string) int {
	return s.retries[entryID]
}

// ErrorRecoveryController decides between retry, fallback, degrade and
// fatal for a failed execution report
type ErrorRecoveryController struct {
	maxRetries int
	backoff    resilience.Backoff
	sleep      func(ctx context.Context, d time.Duration) error
	log        *logger.Logger
}

// NewErrorRecoveryController creates a controller
func NewErrorRecoveryController(maxRetries int, backoff resilience.Backoff) *ErrorRecoveryController {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ErrorRecoveryController{
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      resilience.Sleep,
		log:        logger.New("recovery"),
	}
}

// MaxRetries is the per-entry retry limit
func (c *ErrorRecoveryController) MaxRetries() int {
	return c.maxRetries
}

// Backoff is the wait before retry number attempt (0-based)
func (c *ErrorRecoveryController) Backoff(attempt int) time.Duration {
	return c.backoff.Delay(attempt)
}

// Wait blocks for d or until ctx is done. It holds no lock.
func (c *ErrorRecoveryController) Wait(ctx context.Context, d time.Duration) error {
	return c.sleep(ctx, d)
}

// Decide inspects the failures in report. Retryable failures are retried
// while under the limit and while the backoff fits in the deadline. Once a
// required entry has nothing left to retry, the next fallback source is
// substituted; with no fallback left the stale cache entry is served, and
// without one the last failure is fatal. A passed deadline skips straight
// to that last evaluation.
func (c *ErrorRecoveryController) Decide(ctx context.Context, plan *QueryPlan, report *ExecutionReport, st *RecoveryState) RecoveryStep {
	failures := report.Failures()
	if len(failures) == 0 {
		return RecoveryStep{Action: ActionDegrade}
	}

	var lastErr error
	var requiredFailed []int
	for _, i := range failures {
		err := report.Results[i].Err
		if Classify(err) == DecisionFatal {
			return RecoveryStep{Action: ActionFatal, Err: err}
		}
		if plan.Entries[i].Required {
			requiredFailed = append(requiredFailed, i)
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = report.Results[failures[len(failures)-1]].Err
	}

	if ctx.Err() == nil {
		if step, ok := c.retryStep(ctx, report, failures, st); ok {
			return step
		}
		if len(requiredFailed) > 0 && len(st.fallbacks) > 0 {
			kind := st.fallbacks[0]
			st.fallbacks = st.fallbacks[1:]
			c.log.Info("", "substituting fallback source", map[string]interface{}{
				"fallback": string(kind),
				"replaces": len(requiredFailed),
			})
			return RecoveryStep{Action: ActionFallback, Fallback: kind, Replace: requiredFailed, Err: lastErr}
		}
	}

	if len(requiredFailed) == 0 {
		return RecoveryStep{Action: ActionDegrade, Err: lastErr}
	}

	if st.stale != nil {
		lookupCtx := ctx
		if ctx.Err() != nil {
			// the request is over; the lookup itself still needs a bound
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
			defer cancel()
		}
		if entry, err := st.stale(lookupCtx); err == nil && entry != nil {
			return RecoveryStep{Action: ActionStale, Stale: entry, Err: lastErr}
		}
	}
	return RecoveryStep{Action: ActionFatal, Err: lastErr}
}

// retryStep selects the retryable failures still under the limit. The
// delay follows the most-retried of them and must fit in the deadline.
func (c *ErrorRecoveryController) retryStep(ctx context.Context, report *ExecutionReport, failures []int, st *RecoveryState) (RecoveryStep, bool) {
	var retry []int
	attempt := 0
	for _, i := range failures {
		r := &report.Results[i]
		if Classify(r.Err) != DecisionRetry || st.retries[r.EntryID] >= c.maxRetries {
			continue
		}
		retry = append(retry, i)
		if n := st.retries[r.EntryID]; n > attempt {
			attempt = n
		}
	}
	if len(retry) == 0 {
		return RecoveryStep{}, false
	}

	delay := c.backoff.Delay(attempt)
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
		return RecoveryStep{}, false
	}
	for _, i := range retry {
		st.retries[report.Results[i].EntryID]++
	}
	return RecoveryStep{Action: ActionRetry, Retry: retry, Delay: delay}, true
}
