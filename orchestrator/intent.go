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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

// IntentKind is the widget the intent feeds
type IntentKind string

const (
	KindChart IntentKind = "chart"
	KindTable IntentKind = "table"
	KindKPI   IntentKind = "kpi"
)

func (k IntentKind) valid() bool {
	switch k {
	case KindChart, KindTable, KindKPI:
		return true
	default:
		return false
	}
}

// Filter is one (field, op, value) condition of an intent
type Filter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// FilterList decodes either an ordered list of filters or an object of
// field to value, where list values mean "in" and scalars mean "eq".
type FilterList []Filter

// UnmarshalJSON implements json.Unmarshaler
func (f *FilterList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = nil
		return nil
	}
	if trimmed[0] == '[' {
		var list []Filter
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*f = list
		return nil
	}

	var byField map[string]interface{}
	if err := json.Unmarshal(trimmed, &byField); err != nil {
		return fmt.Errorf("filters must be a list or an object: %w", err)
	}
	fields := make([]string, 0, len(byField))
	for k := range byField {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	out := make(FilterList, 0, len(fields))
	for _, field := range fields {
		op := base.CmpEq
		if _, isList := byField[field].([]interface{}); isList {
			op = base.CmpIn
		}
		out = append(out, Filter{Field: field, Op: op, Value: byField[field]})
	}
	*f = out
	return nil
}

// IntentRequest is the loosely typed wire form of an intent. Chart is
// accepted as an alias of Kind.
type IntentRequest struct {
	Kind      string                 `json:"kind,omitempty"`
	Chart     string                 `json:"chart,omitempty"`
	Metric    string                 `json:"metric"`
	Dimension string                 `json:"dimension"`
	Filters   FilterList             `json:"filters,omitempty"`
	Realtime  bool                   `json:"realtime,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// QueryIntent is a validated intent. Nothing downstream sees an
// IntentRequest.
type QueryIntent struct {
	Kind      IntentKind
	Metric    string
	Dimension string
	Filters   []Filter
	Realtime  bool
	Metadata  map[string]interface{}
}

var opAliases = map[string]string{
	"=": base.CmpEq, "==": base.CmpEq, "!=": base.CmpNeq, "<>": base.CmpNeq,
	">": base.CmpGt, ">=": base.CmpGte, "<": base.CmpLt, "<=": base.CmpLte,
}

// Validate checks the request at the boundary and returns the strict intent
func (r *IntentRequest) Validate() (*QueryIntent, error) {
	kind := r.Kind
	if kind == "" {
		kind = r.Chart
	}
	if kind == "" {
		kind = string(KindChart)
	}
	intent := &QueryIntent{
		Kind:      IntentKind(strings.ToLower(kind)),
		Metric:    strings.TrimSpace(r.Metric),
		Dimension: strings.TrimSpace(r.Dimension),
		Realtime:  r.Realtime,
		Metadata:  r.Metadata,
	}

	if !intent.Kind.valid() {
		return nil, &InvalidIntentError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if intent.Metric == "" {
		return nil, &InvalidIntentError{Field: "metric", Reason: "is required"}
	}
	if intent.Dimension == "" {
		return nil, &InvalidIntentError{Field: "dimension", Reason: "is required"}
	}
	if err := base.ValidateIdentifier(intent.Metric); err != nil {
		return nil, &InvalidIntentError{Field: "metric", Reason: err.Error()}
	}
	if err := base.ValidateIdentifier(intent.Dimension); err != nil {
		return nil, &InvalidIntentError{Field: "dimension", Reason: err.Error()}
	}

	for i, f := range r.Filters {
		op := strings.ToLower(strings.TrimSpace(f.Op))
		if alias, ok := opAliases[op]; ok {
			op = alias
		}
		if op == "" {
			op = base.CmpEq
		}
		name := fmt.Sprintf("filters[%d]", i)
		if !base.IsValidComparison(op) {
			return nil, &InvalidIntentError{Field: name, Reason: fmt.Sprintf("unsupported operator %q", f.Op)}
		}
		if err := base.ValidateIdentifier(f.Field); err != nil {
			return nil, &InvalidIntentError{Field: name, Reason: err.Error()}
		}
		if err := checkFilterValue(op, f.Value); err != nil {
			return nil, &InvalidIntentError{Field: name, Reason: err.Error()}
		}
		intent.Filters = append(intent.Filters, Filter{Field: f.Field, Op: op, Value: f.Value})
	}

	if v, ok := r.Metadata["compare_to"]; ok {
		s, isString := v.(string)
		if !isString {
			return nil, &InvalidIntentError{Field: "metadata.compare_to", Reason: "must be a metric name"}
		}
		if err := base.ValidateIdentifier(s); err != nil {
			return nil, &InvalidIntentError{Field: "metadata.compare_to", Reason: err.Error()}
		}
	}
	return intent, nil
}

func checkFilterValue(op string, v interface{}) error {
	if op == base.CmpIn {
		list, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("operator in needs a list value")
		}
		for _, item := range list {
			if !isScalar(item) {
				return fmt.Errorf("list items must be scalars")
			}
		}
		return nil
	}
	if !isScalar(v) {
		return fmt.Errorf("operator %s needs a scalar value", op)
	}
	return nil
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	default:
		return false
	}
}

// canonicalMetadataKeys are the only metadata keys that change a result
var canonicalMetadataKeys = []string{"compare_to", "external_system", "page_size", "segments", "series_cap"}

type canonicalIntent struct {
	Kind      IntentKind             `json:"kind"`
	Metric    string                 `json:"metric"`
	Dimension string                 `json:"dimension"`
	Filters   []canonicalFilter      `json:"filters"`
	Realtime  bool                   `json:"realtime"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type canonicalFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// CanonicalForm serializes the intent deterministically: filters are sorted
// by field, op and value, IN lists are sorted, and metadata is reduced to
// the keys that affect the result. Metadata lists keep their order since
// segment order decides record order.
func (q *QueryIntent) CanonicalForm() string {
	c := canonicalIntent{
		Kind:      q.Kind,
		Metric:    q.Metric,
		Dimension: q.Dimension,
		Realtime:  q.Realtime,
		Filters:   make([]canonicalFilter, 0, len(q.Filters)),
	}
	for _, f := range q.Filters {
		c.Filters = append(c.Filters, canonicalFilter{Field: f.Field, Op: f.Op, Value: canonicalValue(f.Value, true)})
	}
	sort.Slice(c.Filters, func(i, j int) bool {
		a, b := c.Filters[i], c.Filters[j]
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Op != b.Op {
			return a.Op < b.Op
		}
		return a.Value < b.Value
	})

	for _, k := range canonicalMetadataKeys {
		if v, ok := q.Metadata[k]; ok {
			if c.Metadata == nil {
				c.Metadata = make(map[string]interface{})
			}
			c.Metadata[k] = canonicalValue(v, false)
		}
	}

	// encoding/json sorts map keys, so the output is stable
	out, _ := json.Marshal(c)
	return string(out)
}

// canonicalValue encodes v; asSet sorts list items
func canonicalValue(v interface{}, asSet bool) string {
	if list, ok := v.([]interface{}); ok {
		items := make([]string, 0, len(list))
		for _, item := range list {
			items = append(items, canonicalValue(item, asSet))
		}
		if asSet {
			sort.Strings(items)
		}
		return "[" + strings.Join(items, ",") + "]"
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}

// CacheKey hashes the canonical form together with the cache policy
// version and the caller's policy scope. Equal canonical forms always give
// equal keys.
func CacheKey(intent *QueryIntent, policyVersion, scope string) string {
	h := sha256.New()
	h.Write([]byte(intent.CanonicalForm()))
	if scope != "" {
		h.Write([]byte{0})
		h.Write([]byte(scope))
	}
	return "qe:" + policyVersion + ":" + hex.EncodeToString(h.Sum(nil))
}

// PageSize returns metadata.page_size when it is a positive number
func (q *QueryIntent) PageSize() (int, bool) {
	return q.positiveInt("page_size")
}

// SeriesCap returns metadata.series_cap when it is a positive number
func (q *QueryIntent) SeriesCap() (int, bool) {
	return q.positiveInt("series_cap")
}

func (q *QueryIntent) positiveInt(key string) (int, bool) {
	switch v := q.Metadata[key].(type) {
	case float64:
		if v >= 1 {
			return int(v), true
		}
	case int:
		if v >= 1 {
			return v, true
		}
	}
	return 0, false
}

// ExternalSystem is metadata.external_system, naming an upstream API
func (q *QueryIntent) ExternalSystem() string {
	s, _ := q.Metadata["external_system"].(string)
	return s
}

// CompareTo is an optional second metric plotted next to the first
func (q *QueryIntent) CompareTo() string {
	s, _ := q.Metadata["compare_to"].(string)
	return s
}

// Segments lists dimension values each requested as its own series
func (q *QueryIntent) Segments() []interface{} {
	list, _ := q.Metadata["segments"].([]interface{})
	out := make([]interface{}, 0, len(list))
	for _, v := range list {
		if isScalar(v) {
			out = append(out, v)
		}
	}
	return out
}
