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
	"log"
	"sort"
	"time"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

const (
	DataSourceLive           = "live"
	DataSourceCache          = "cache"
	DataSourceCachedFallback = "cached_fallback"
)

// FieldSchema describes one output field
type FieldSchema struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// AggregatedData is the canonical record set handed to formatting
type AggregatedData struct {
	Records          []base.Row        `json:"records"`
	Schema           []FieldSchema     `json:"schema"`
	Degraded         bool              `json:"degraded"`
	SourcesUsed      []base.SourceKind `json:"sources_used"`
	DataSource       string            `json:"data_source"`
	FreshnessSeconds int               `json:"freshness_seconds"`
	// Dropped names optional entries that failed or were skipped
	Dropped []string `json:"dropped,omitempty"`
}

// ResultAggregator merges per-entry rows into one record set
type ResultAggregator struct{}

// NewResultAggregator creates a new result aggregator instance
func NewResultAggregator() *ResultAggregator {
	return &ResultAggregator{}
}

// Aggregate concatenates rows in plan order, deduplicating by primary key
// with the last write winning in the first-seen position. The primary key
// is the entry's metric, the dimension value and the id column when rows
// carry one. A required entry that still holds an error fails the
// aggregation with that error.
func (a *ResultAggregator) Aggregate(report *ExecutionReport, plan *QueryPlan, intent *QueryIntent) (*AggregatedData, error) {
	data := &AggregatedData{
		Records:    []base.Row{},
		DataSource: DataSourceLive,
	}

	successful, err := a.filterSuccessfulResults(report, plan, data)
	if err != nil {
		return nil, err
	}
	log.Printf("[ResultAggregator] Aggregating %d of %d entry results", len(successful), len(plan.Entries))

	positions := make(map[string]int)
	seenKinds := make(map[base.SourceKind]bool)
	schema := newSchemaBuilder()

	for _, i := range successful {
		entry := &plan.Entries[i]
		if !seenKinds[entry.SourceKind] {
			seenKinds[entry.SourceKind] = true
			data.SourcesUsed = append(data.SourcesUsed, entry.SourceKind)
		}

		for _, row := range report.Results[i].Rows {
			// types are checked on every returned row, including the ones
			// a later entry replaces
			if err := schema.add(row, fieldOrder(entry.Payload.Fields, row)); err != nil {
				return nil, err
			}
			key := rowKey(entry.Metric, intent.Dimension, row)
			if pos, ok := positions[key]; ok {
				data.Records[pos] = row
				continue
			}
			positions[key] = len(data.Records)
			data.Records = append(data.Records, row)
		}
	}

	data.Schema = schema.fields()
	return data, nil
}

// filterSuccessfulResults returns the indexes of entries with rows and
// records dropped optional entries on data
func (a *ResultAggregator) filterSuccessfulResults(report *ExecutionReport, plan *QueryPlan, data *AggregatedData) ([]int, error) {
	successful := make([]int, 0, len(plan.Entries))
	for i := range plan.Entries {
		if i >= len(report.Results) {
			if plan.Entries[i].Required {
				return nil, fmt.Errorf("required entry %s was never executed", plan.Entries[i].ID)
			}
			data.Degraded = true
			data.Dropped = append(data.Dropped, plan.Entries[i].ID)
			continue
		}
		r := &report.Results[i]
		if r.OK() {
			successful = append(successful, i)
			continue
		}
		if plan.Entries[i].Required {
			return nil, r.Err
		}
		data.Degraded = true
		data.Dropped = append(data.Dropped, plan.Entries[i].ID)
	}
	if len(plan.Skipped) > 0 {
		data.Degraded = true
		data.Dropped = append(data.Dropped, plan.Skipped...)
	}
	return successful, nil
}

func rowKey(metric, dimension string, row base.Row) string {
	key := metric + "\x00" + fmt.Sprint(row[dimension])
	if id, ok := row["id"]; ok {
		key += "\x00" + fmt.Sprint(id)
	}
	return key
}

// fieldOrder lists the payload's fields first, then the row's other keys
// sorted
func fieldOrder(fields []string, row base.Row) []string {
	out := make([]string, 0, len(row))
	listed := make(map[string]bool, len(fields))
	for _, f := range fields {
		if _, ok := row[f]; ok && !listed[f] {
			out = append(out, f)
			listed[f] = true
		}
	}
	rest := make([]string, 0, len(row))
	for k := range row {
		if !listed[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// schemaBuilder unions field types over rows. null is compatible with
// any type; any other disagreement is a SchemaConflictError.
type schemaBuilder struct {
	index  map[string]int
	schema []FieldSchema
}

func newSchemaBuilder() *schemaBuilder {
	return &schemaBuilder{index: make(map[string]int), schema: []FieldSchema{}}
}

func (b *schemaBuilder) add(row base.Row, order []string) error {
	for _, name := range order {
		t := valueType(row[name])
		pos, ok := b.index[name]
		if !ok {
			b.index[name] = len(b.schema)
			b.schema = append(b.schema, FieldSchema{Name: name, Type: t})
			continue
		}
		current := b.schema[pos].Type
		switch {
		case t == current || t == "null":
		case current == "null":
			b.schema[pos].Type = t
		default:
			return &SchemaConflictError{Field: name, Left: current, Right: t}
		}
	}
	return nil
}

func (b *schemaBuilder) fields() []FieldSchema {
	return b.schema
}

func valueType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	case time.Time:
		return "time"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		return "object"
	default:
		return "string"
	}
}
