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
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

const (
	PassLimitInjection    = "limit_injection"
	PassPredicatePushdown = "predicate_pushdown"
	PassEntryMerge        = "entry_merge"
)

// pushdownOps lists the comparisons each source evaluates natively
var pushdownOps = map[base.SourceKind]map[string]bool{
	base.SourceSQL: {
		base.CmpEq: true, base.CmpNeq: true, base.CmpGt: true, base.CmpGte: true,
		base.CmpLt: true, base.CmpLte: true, base.CmpIn: true,
	},
	base.SourceAPI: {
		base.CmpEq: true, base.CmpNeq: true, base.CmpGt: true, base.CmpGte: true,
		base.CmpLt: true, base.CmpLte: true, base.CmpIn: true,
	},
	base.SourceStream: {
		base.CmpEq: true, base.CmpNeq: true, base.CmpIn: true,
	},
}

type optimizationPass struct {
	name string
	fn   func(plan *QueryPlan, intent *QueryIntent) bool
}

// QueryOptimizer rewrites a plan through a fixed sequence of named passes.
// It never changes an entry's Required flag or timeout.
type QueryOptimizer struct {
	widgets     config.WidgetConfig
	enabledOpts map[string]bool
	log         *logger.Logger
}

// NewQueryOptimizer creates an optimizer with every pass enabled
func NewQueryOptimizer(widgets config.WidgetConfig) *QueryOptimizer {
	return &QueryOptimizer{
		widgets: widgets,
		enabledOpts: map[string]bool{
			PassLimitInjection:    true,
			PassPredicatePushdown: true,
			PassEntryMerge:        true,
		},
		log: logger.New("optimizer"),
	}
}

// SetPassEnabled turns a pass on or off
func (o *QueryOptimizer) SetPassEnabled(name string, enabled bool) {
	o.enabledOpts[name] = enabled
}

// Optimize returns a rewritten copy of plan and the names of the passes
// that changed it
func (o *QueryOptimizer) Optimize(plan *QueryPlan, intent *QueryIntent) (*QueryPlan, []string) {
	optimized := plan.Clone()

	passes := []optimizationPass{
		{PassLimitInjection, o.injectLimits},
		{PassPredicatePushdown, o.pushDownPredicates},
		{PassEntryMerge, o.mergeEntries},
	}

	applied := make([]string, 0, len(passes))
	for _, pass := range passes {
		if !o.enabledOpts[pass.name] {
			continue
		}
		if pass.fn(optimized, intent) {
			applied = append(applied, pass.name)
		}
	}

	o.log.Debug("", "plan optimized", map[string]interface{}{
		"entries_in":  len(plan.Entries),
		"entries_out": len(optimized.Entries),
		"passes":      applied,
	})
	return optimized, applied
}

// limitFor derives the result-size limit from the widget kind
func (o *QueryOptimizer) limitFor(intent *QueryIntent) int {
	switch intent.Kind {
	case KindKPI:
		return 1
	case KindTable:
		if n, ok := intent.PageSize(); ok {
			if n > o.widgets.MaxPageSize {
				return o.widgets.MaxPageSize
			}
			return n
		}
		return o.widgets.TablePageSize
	default:
		if n, ok := intent.SeriesCap(); ok && n < o.widgets.ChartSeriesCap {
			return n
		}
		return o.widgets.ChartSeriesCap
	}
}

func (o *QueryOptimizer) injectLimits(plan *QueryPlan, intent *QueryIntent) bool {
	limit := o.limitFor(intent)
	changed := false
	for i := range plan.Entries {
		p := plan.Entries[i].Payload
		if p.Limit <= 0 {
			p.Limit = limit
			changed = true
		}
	}
	return changed
}

// pushDownPredicates moves residual filters into the payload wherever the
// source evaluates the comparison itself. Template payloads keep theirs.
func (o *QueryOptimizer) pushDownPredicates(plan *QueryPlan, _ *QueryIntent) bool {
	changed := false
	for i := range plan.Entries {
		e := &plan.Entries[i]
		if e.Payload.Template != "" || len(e.Residual) == 0 {
			continue
		}
		supported := pushdownOps[e.SourceKind]

		remaining := e.Residual[:0:0]
		for _, f := range e.Residual {
			if supported[f.Op] {
				e.Payload.AddPredicate(f.Field, f.Op, f.Value)
				changed = true
				continue
			}
			remaining = append(remaining, f)
		}
		e.Residual = remaining
	}
	return changed
}

// mergeEntries folds entries that differ only in disjoint equality or IN
// predicates on the dimension into one entry with a single IN predicate
func (o *QueryOptimizer) mergeEntries(plan *QueryPlan, intent *QueryIntent) bool {
	n := len(plan.Entries)
	if n < 2 {
		return false
	}

	used := make([]bool, n)
	out := make([]PlanEntry, 0, n)
	changed := false

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		first := plan.Entries[i]
		key, values, ok := mergeSignature(&first, intent.Dimension)
		if !ok {
			out = append(out, first)
			continue
		}

		seen := make(map[string]bool, len(values))
		for _, v := range values {
			seen[canonicalValue(v, true)] = true
		}
		group := []int{i}
		all := append([]interface{}(nil), values...)

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			k2, v2, ok2 := mergeSignature(&plan.Entries[j], intent.Dimension)
			if !ok2 || k2 != key || !disjoint(seen, v2) {
				continue
			}
			for _, v := range v2 {
				seen[canonicalValue(v, true)] = true
			}
			all = append(all, v2...)
			group = append(group, j)
			used[j] = true
		}

		if len(group) == 1 {
			out = append(out, first)
			continue
		}
		out = append(out, mergeGroup(plan, group, intent.Dimension, all))
		changed = true
	}

	plan.Entries = out
	return changed
}

func mergeGroup(plan *QueryPlan, group []int, dimension string, values []interface{}) PlanEntry {
	merged := plan.Entries[group[0]].clone()
	p := merged.Payload

	kept := p.Predicates[:0:0]
	for _, pr := range p.Predicates {
		if pr.Field == dimension {
			delete(p.Params, pr.Param)
			continue
		}
		kept = append(kept, pr)
	}
	p.Predicates = kept
	p.AddPredicate(dimension, base.CmpIn, values)

	limit := 0
	for _, idx := range group {
		limit += plan.Entries[idx].Payload.Limit
	}
	p.Limit = limit

	merged.ID = fmt.Sprintf("%s+%d", plan.Entries[group[0]].ID, len(group)-1)
	return merged
}

// mergeSignature returns the grouping key of an entry and the values of its
// single eq/IN predicate on the dimension. ok is false when the entry has
// no such predicate or cannot take a rewritten one.
func mergeSignature(e *PlanEntry, dimension string) (string, []interface{}, bool) {
	p := e.Payload
	if p.Template != "" {
		return "", nil, false
	}

	var values []interface{}
	found := 0
	others := make([]string, 0, len(p.Predicates))
	for _, pr := range p.Predicates {
		v := p.Params[pr.Param]
		if pr.Field != dimension {
			others = append(others, pr.Field+" "+pr.Op+" "+canonicalValue(v, true))
			continue
		}
		found++
		switch pr.Op {
		case base.CmpEq:
			values = []interface{}{v}
		case base.CmpIn:
			list, _ := v.([]interface{})
			values = list
		default:
			return "", nil, false
		}
	}
	if found != 1 || len(values) == 0 {
		return "", nil, false
	}
	sort.Strings(others)

	residual := make([]string, 0, len(e.Residual))
	for _, f := range e.Residual {
		residual = append(residual, f.Field+" "+f.Op+" "+canonicalValue(f.Value, true))
	}
	sort.Strings(residual)

	key := strings.Join([]string{
		string(e.SourceKind),
		string(p.Operation),
		p.Target,
		e.Metric,
		strings.Join(p.Fields, ","),
		strings.Join(p.GroupBy, ","),
		strconv.FormatBool(e.Required),
		strconv.Itoa(e.TimeoutMs),
		strings.Join(others, "&"),
		strings.Join(residual, "&"),
	}, "|")
	return key, values, true
}

func disjoint(seen map[string]bool, values []interface{}) bool {
	for _, v := range values {
		if seen[canonicalValue(v, true)] {
			return false
		}
	}
	return true
}
