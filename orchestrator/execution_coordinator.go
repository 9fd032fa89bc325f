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
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
	"github.com/HAK978/Query-Engine-Agent/connectors/resilience"
	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

// ExecutionResult is the outcome of one entry. Exactly one of Rows or Err
// is meaningful; build it with okResult or failedResult.
type ExecutionResult struct {
	EntryID    string            `json:"entry_id"`
	SourceKind base.SourceKind   `json:"source_kind"`
	Rows       []base.Row        `json:"-"`
	TimingMs   float64           `json:"timing_ms"`
	Attempts   int               `json:"attempts"`
	Err        *base.SourceError `json:"-"`
}

func okResult(e *PlanEntry, rows []base.Row, d time.Duration) ExecutionResult {
	if rows == nil {
		rows = []base.Row{}
	}
	return ExecutionResult{
		EntryID:    e.ID,
		SourceKind: e.SourceKind,
		Rows:       rows,
		TimingMs:   float64(d.Microseconds()) / 1000,
		Attempts:   1,
	}
}

func failedResult(e *PlanEntry, err *base.SourceError, d time.Duration) ExecutionResult {
	return ExecutionResult{
		EntryID:    e.ID,
		SourceKind: e.SourceKind,
		TimingMs:   float64(d.Microseconds()) / 1000,
		Attempts:   1,
		Err:        err,
	}
}

// OK reports whether the entry produced rows
func (r *ExecutionResult) OK() bool {
	return r.Err == nil
}

// ExecutionReport holds one result per plan entry, in plan order
type ExecutionReport struct {
	Results []ExecutionResult
	// Failed is set when any required entry errored
	Failed bool
}

// Result returns the result for an entry ID
func (r *ExecutionReport) Result(entryID string) (*ExecutionResult, bool) {
	for i := range r.Results {
		if r.Results[i].EntryID == entryID {
			return &r.Results[i], true
		}
	}
	return nil, false
}

// Failures returns the indexes of errored results
func (r *ExecutionReport) Failures() []int {
	var out []int
	for i := range r.Results {
		if !r.Results[i].OK() {
			out = append(out, i)
		}
	}
	return out
}

func (r *ExecutionReport) recompute(plan *QueryPlan) {
	r.Failed = false
	for i := range r.Results {
		if !r.Results[i].OK() && i < len(plan.Entries) && plan.Entries[i].Required {
			r.Failed = true
		}
	}
}

// ExecutionCoordinator runs plan entries against the source adapters. A
// weighted semaphore shared by every request bounds concurrent adapter
// calls; a circuit breaker per source stops calls to a failing backend.
type ExecutionCoordinator struct {
	adapters map[base.SourceKind]base.SourceAdapter
	sem      *semaphore.Weighted
	breakers *resilience.BreakerSet
	log      *logger.Logger
}

// NewExecutionCoordinator creates a coordinator. breakers may be nil.
func NewExecutionCoordinator(adapters []base.SourceAdapter, maxConcurrency int64, breakers *resilience.BreakerSet) *ExecutionCoordinator {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	c := &ExecutionCoordinator{
		adapters: make(map[base.SourceKind]base.SourceAdapter, len(adapters)),
		sem:      semaphore.NewWeighted(maxConcurrency),
		breakers: breakers,
		log:      logger.New("coordinator"),
	}
	for _, a := range adapters {
		c.adapters[a.Kind()] = a
	}
	return c
}

// Adapter returns the adapter registered for kind
func (c *ExecutionCoordinator) Adapter(kind base.SourceKind) (base.SourceAdapter, bool) {
	a, ok := c.adapters[kind]
	return a, ok
}

// Adapters returns every registered adapter
func (c *ExecutionCoordinator) Adapters() []base.SourceAdapter {
	out := make([]base.SourceAdapter, 0, len(c.adapters))
	for _, kind := range []base.SourceKind{base.SourceSQL, base.SourceAPI, base.SourceStream} {
		if a, ok := c.adapters[kind]; ok {
			out = append(out, a)
		}
	}
	return out
}

// BreakerStates reports each source's circuit state
func (c *ExecutionCoordinator) BreakerStates() map[string]string {
	if c.breakers == nil {
		return map[string]string{}
	}
	return c.breakers.States()
}

// Execute runs every entry and waits for all of them; there is no
// fail-fast. Entries on adapters that support parallel calls each get
// their own goroutine, the rest share one goroutine per source.
func (c *ExecutionCoordinator) Execute(ctx context.Context, plan *QueryPlan) *ExecutionReport {
	report := &ExecutionReport{Results: make([]ExecutionResult, len(plan.Entries))}

	var g errgroup.Group
	serial := make(map[base.SourceKind][]int)

	for i := range plan.Entries {
		kind := plan.Entries[i].SourceKind
		if a, ok := c.adapters[kind]; ok && !a.Capabilities().SupportsParallel {
			serial[kind] = append(serial[kind], i)
			continue
		}
		i := i
		g.Go(func() error {
			report.Results[i] = c.ExecuteEntry(ctx, &plan.Entries[i])
			return nil
		})
	}
	for _, idxs := range serial {
		idxs := idxs
		g.Go(func() error {
			for _, i := range idxs {
				report.Results[i] = c.ExecuteEntry(ctx, &plan.Entries[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	report.recompute(plan)
	return report
}

// ExecuteEntry runs one entry within min(entry timeout, remaining request
// deadline). Residual filters are applied to the rows it returns.
func (c *ExecutionCoordinator) ExecuteEntry(ctx context.Context, e *PlanEntry) ExecutionResult {
	start := time.Now()

	adapter, ok := c.adapters[e.SourceKind]
	if !ok {
		return failedResult(e, base.NewSourceError(string(e.SourceKind), base.KindSourceUnavailable,
			"no adapter configured", nil), time.Since(start))
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return failedResult(e, base.NewSourceError(adapter.Name(), base.KindSourceTimeout,
			"request deadline passed while waiting for an execution slot", err), time.Since(start))
	}
	defer c.sem.Release(1)

	timeout := base.EffectiveTimeout(ctx, e.Timeout())
	if timeout <= 0 {
		return failedResult(e, base.NewSourceError(adapter.Name(), base.KindSourceTimeout,
			"no time left in the request budget", ctx.Err()), time.Since(start))
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rows []base.Row
	run := func(ctx context.Context) error {
		var err error
		rows, err = adapter.Execute(ctx, e.Payload, timeout)
		return err
	}

	var err error
	if c.breakers != nil {
		err = c.breakers.For(adapter.Name()).Execute(execCtx, run)
	} else {
		err = run(execCtx)
	}
	if err == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = execCtx.Err()
	}

	if err != nil {
		srcErr := base.ClassifyError(adapter.Name(), err)
		c.log.Warn("", "entry failed", map[string]interface{}{
			"entry": e.ID,
			"kind":  string(srcErr.Kind),
			"error": base.SanitizeLogString(srcErr.Error()),
		})
		return failedResult(e, srcErr, time.Since(start))
	}

	filtered, err := applyResidual(rows, e.Residual)
	if err != nil {
		return failedResult(e, base.NewSourceError(adapter.Name(), base.KindSourceUnavailable,
			"residual filter failed", err), time.Since(start))
	}
	return okResult(e, filtered, time.Since(start))
}

// applyResidual keeps the rows matching every filter
func applyResidual(rows []base.Row, filters []Filter) ([]base.Row, error) {
	if len(filters) == 0 {
		return rows, nil
	}
	out := rows[:0:0]
	for _, row := range rows {
		keep := true
		for _, f := range filters {
			ok, err := matchFilter(row[f.Field], f)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out, nil
}

func matchFilter(v interface{}, f Filter) (bool, error) {
	if f.Op == base.CmpIn {
		list, _ := f.Value.([]interface{})
		for _, item := range list {
			if compareValues(v, item) == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	if v == nil {
		return false, nil
	}

	cmp := compareValues(v, f.Value)
	switch f.Op {
	case base.CmpEq:
		return cmp == 0, nil
	case base.CmpNeq:
		return cmp != 0, nil
	case base.CmpGt:
		return cmp > 0, nil
	case base.CmpGte:
		return cmp >= 0, nil
	case base.CmpLt:
		return cmp < 0, nil
	case base.CmpLte:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("unsupported comparison %q", f.Op)
}

// compareValues orders numbers numerically and everything else by its
// string form
func compareValues(a, b interface{}) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
