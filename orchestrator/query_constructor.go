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
	"time"

	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

// PlanEntry is one unit of work against one source
type PlanEntry struct {
	ID         string          `json:"id"`
	SourceKind base.SourceKind `json:"source_kind"`
	Payload    *base.Payload   `json:"payload"`
	Required   bool            `json:"required"`
	TimeoutMs  int             `json:"timeout_ms"`
	// Metric is the logical metric the entry's rows carry
	Metric string `json:"metric"`
	// Residual holds intent filters not yet part of the payload. Whatever
	// predicate pushdown leaves here is applied to the returned rows.
	Residual []Filter `json:"residual,omitempty"`
}

// Timeout is TimeoutMs as a duration
func (e *PlanEntry) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

func (e PlanEntry) clone() PlanEntry {
	out := e
	out.Payload = e.Payload.Clone()
	out.Residual = append([]Filter(nil), e.Residual...)
	return out
}

// QueryPlan is a flat, ordered list of entries. Row merge order follows
// entry order.
type QueryPlan struct {
	Entries []PlanEntry `json:"entries"`
	// Skipped names optional entries that could not be built
	Skipped []string `json:"skipped,omitempty"`
}

// Clone deep-copies the plan so rewrites never alias the input
func (p *QueryPlan) Clone() *QueryPlan {
	out := &QueryPlan{
		Entries: make([]PlanEntry, len(p.Entries)),
		Skipped: append([]string(nil), p.Skipped...),
	}
	for i, e := range p.Entries {
		out.Entries[i] = e.clone()
	}
	return out
}

// PayloadBuilder produces the base payload reading metric for an intent on
// one source kind. Filters are not applied here.
type PayloadBuilder interface {
	Build(intent *QueryIntent, metric string) (*base.Payload, error)
}

// PayloadBuilderFunc adapts a function to PayloadBuilder
type PayloadBuilderFunc func(intent *QueryIntent, metric string) (*base.Payload, error)

// Build implements PayloadBuilder
func (f PayloadBuilderFunc) Build(intent *QueryIntent, metric string) (*base.Payload, error) {
	return f(intent, metric)
}

// QueryConstructor turns an intent and a set of source kinds into a plan
type QueryConstructor struct {
	builders map[base.SourceKind]PayloadBuilder
	timeouts map[base.SourceKind]int
}

// NewQueryConstructor registers the catalog-driven builders for every
// source kind. Kinds whose catalog entry lacks a location fail at Build.
func NewQueryConstructor(cfg *config.Config) *QueryConstructor {
	c := &QueryConstructor{
		builders: make(map[base.SourceKind]PayloadBuilder),
		timeouts: map[base.SourceKind]int{
			base.SourceSQL:    cfg.Sources.SQL.TimeoutMs,
			base.SourceAPI:    cfg.Sources.API.TimeoutMs,
			base.SourceStream: cfg.Sources.Stream.TimeoutMs,
		},
	}
	catalog := cfg.Catalog.Metrics

	c.Register(base.SourceSQL, PayloadBuilderFunc(func(intent *QueryIntent, metric string) (*base.Payload, error) {
		table := catalog[metric].Table
		if table == "" {
			return nil, &UnsupportedIntentError{Kind: base.SourceSQL, Reason: fmt.Sprintf("no table mapped for metric %q", metric)}
		}
		return &base.Payload{
			Operation: base.OpSelect,
			Target:    table,
			Fields:    []string{intent.Dimension, metric},
			GroupBy:   []string{intent.Dimension},
		}, nil
	}))

	c.Register(base.SourceAPI, PayloadBuilderFunc(func(intent *QueryIntent, metric string) (*base.Payload, error) {
		resource := catalog[metric].Resource
		if resource == "" {
			return nil, &UnsupportedIntentError{Kind: base.SourceAPI, Reason: fmt.Sprintf("no resource mapped for metric %q", metric)}
		}
		return &base.Payload{
			Operation: base.OpGet,
			Target:    resource,
			Fields:    []string{intent.Dimension, metric},
			GroupBy:   []string{intent.Dimension},
		}, nil
	}))

	c.Register(base.SourceStream, PayloadBuilderFunc(func(intent *QueryIntent, metric string) (*base.Payload, error) {
		topic := catalog[metric].Topic
		if topic == "" {
			return nil, &UnsupportedIntentError{Kind: base.SourceStream, Reason: fmt.Sprintf("no topic mapped for metric %q", metric)}
		}
		return &base.Payload{
			Operation: base.OpSubscribe,
			Target:    topic,
			Fields:    []string{intent.Dimension, metric},
		}, nil
	}))

	return c
}

// Register installs or replaces the builder for kind
func (c *QueryConstructor) Register(kind base.SourceKind, builder PayloadBuilder) {
	c.builders[kind] = builder
}

// Construct builds one required entry per source kind, split per segment
// when the intent lists segments, plus an optional entry for a compare_to
// metric. Intent filters are carried as residuals for pushdown.
func (c *QueryConstructor) Construct(intent *QueryIntent, strategy *QueryStrategy, kinds []base.SourceKind) (*QueryPlan, error) {
	if len(kinds) == 0 {
		return nil, &UnsupportedIntentError{Reason: "no source kinds requested"}
	}

	plan := &QueryPlan{}
	segments := intent.Segments()

	for _, kind := range kinds {
		builder, ok := c.builders[kind]
		if !ok {
			return nil, &UnsupportedIntentError{Kind: kind, Reason: "no payload builder registered"}
		}

		payload, err := builder.Build(intent, intent.Metric)
		if err != nil {
			return nil, err
		}

		if len(segments) == 0 {
			plan.Entries = append(plan.Entries, c.entry(kind, intent, intent.Metric, payload, true, ""))
		}
		for i, seg := range segments {
			p := payload.Clone()
			p.AddPredicate(intent.Dimension, base.CmpEq, seg)
			plan.Entries = append(plan.Entries, c.entry(kind, intent, intent.Metric, p, true, fmt.Sprintf("#%d", i+1)))
		}

		if other := intent.CompareTo(); other != "" && other != intent.Metric {
			cmp, err := builder.Build(intent, other)
			if err != nil {
				// the comparison series is optional; its absence degrades the result
				plan.Skipped = append(plan.Skipped, fmt.Sprintf("%s:%s", kind, other))
				continue
			}
			if len(segments) > 0 {
				cmp.AddPredicate(intent.Dimension, base.CmpIn, append([]interface{}(nil), segments...))
			}
			plan.Entries = append(plan.Entries, c.entry(kind, intent, other, cmp, false, ""))
		}
	}
	return plan, nil
}

func (c *QueryConstructor) entry(kind base.SourceKind, intent *QueryIntent, metric string, payload *base.Payload, required bool, suffix string) PlanEntry {
	return PlanEntry{
		ID:         fmt.Sprintf("%s:%s%s", kind, metric, suffix),
		SourceKind: kind,
		Payload:    payload,
		Required:   required,
		TimeoutMs:  c.timeouts[kind],
		Metric:     metric,
		Residual:   append([]Filter(nil), intent.Filters...),
	}
}
