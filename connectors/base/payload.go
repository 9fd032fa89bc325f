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

package base

import (
	"fmt"
	"sort"
	"strings"
)

// Operation is the verb a payload asks the backend to perform
type Operation string

const (
	OpSelect    Operation = "SELECT"
	OpGet       Operation = "GET"
	OpSubscribe Operation = "SUBSCRIBE"

	// Write verbs are never produced by the engine; they exist so the
	// security validator can name what it rejects.
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpPost   Operation = "POST"
)

// IsRead reports whether the operation only reads data.
func (o Operation) IsRead() bool {
	switch Operation(strings.ToUpper(string(o))) {
	case OpSelect, OpGet, OpSubscribe:
		return true
	default:
		return false
	}
}

// Comparison operators accepted in predicates
const (
	CmpEq  = "eq"
	CmpNeq = "neq"
	CmpGt  = "gt"
	CmpGte = "gte"
	CmpLt  = "lt"
	CmpLte = "lte"
	CmpIn  = "in"
)

var validComparisons = map[string]bool{
	CmpEq: true, CmpNeq: true, CmpGt: true, CmpGte: true, CmpLt: true, CmpLte: true, CmpIn: true,
}

// IsValidComparison reports whether op is a known predicate operator.
func IsValidComparison(op string) bool {
	return validComparisons[op]
}

// Predicate compares a field against a bound parameter. The literal lives in
// Payload.Params under Param and is never spliced into text.
type Predicate struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Param string `json:"param"`
}

// Payload is the structured, parameterized request an adapter renders for
// its backend. Identifiers (Target, Fields, GroupBy, predicate fields) and
// literals (Params) are kept apart so they can be validated separately.
type Payload struct {
	Operation  Operation              `json:"operation"`
	Target     string                 `json:"target"` // table, API resource path or stream topic
	Fields     []string               `json:"fields,omitempty"`
	Predicates []Predicate            `json:"predicates,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	GroupBy    []string               `json:"group_by,omitempty"`
	Limit      int                    `json:"limit,omitempty"`

	// Template is an optional backend-native statement using :name
	// placeholders for Params. When empty the adapter renders one from the
	// structured fields.
	Template string `json:"template,omitempty"`
}

// Clone returns a deep copy so rewrites never alias the original plan.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	out := *p
	out.Fields = append([]string(nil), p.Fields...)
	out.GroupBy = append([]string(nil), p.GroupBy...)
	out.Predicates = append([]Predicate(nil), p.Predicates...)
	if p.Params != nil {
		out.Params = make(map[string]interface{}, len(p.Params))
		for k, v := range p.Params {
			if list, ok := v.([]interface{}); ok {
				v = append([]interface{}(nil), list...)
			}
			out.Params[k] = v
		}
	}
	return &out
}

// HasPredicate reports whether a predicate on field exists.
func (p *Payload) HasPredicate(field string) bool {
	for _, pr := range p.Predicates {
		if pr.Field == field {
			return true
		}
	}
	return false
}

// AddPredicate binds value under a fresh parameter name and appends the
// predicate. It returns the parameter name.
func (p *Payload) AddPredicate(field, op string, value interface{}) string {
	if p.Params == nil {
		p.Params = make(map[string]interface{})
	}
	name := fmt.Sprintf("p%d", len(p.Params)+1)
	for _, taken := p.Params[name]; taken; _, taken = p.Params[name] {
		name += "_"
	}
	p.Params[name] = value
	p.Predicates = append(p.Predicates, Predicate{Field: field, Op: op, Param: name})
	return name
}

// ParamNames returns the bound parameter names in sorted order.
func (p *Payload) ParamNames() []string {
	names := make([]string, 0, len(p.Params))
	for k := range p.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Identifiers returns every identifier the payload references: target,
// fields, group-by and predicate fields.
func (p *Payload) Identifiers() []string {
	ids := make([]string, 0, len(p.Fields)+len(p.GroupBy)+len(p.Predicates))
	ids = append(ids, p.Fields...)
	ids = append(ids, p.GroupBy...)
	for _, pr := range p.Predicates {
		ids = append(ids, pr.Field)
	}
	return ids
}

// Describe renders a short human-readable summary for query_info output.
// Literal values are never included.
func (p *Payload) Describe() string {
	var b strings.Builder
	b.WriteString(string(p.Operation))
	b.WriteString(" ")
	b.WriteString(p.Target)
	if len(p.Fields) > 0 {
		b.WriteString(" [" + strings.Join(p.Fields, ",") + "]")
	}
	for i, pr := range p.Predicates {
		if i == 0 {
			b.WriteString(" where ")
		} else {
			b.WriteString(" and ")
		}
		b.WriteString(fmt.Sprintf("%s %s :%s", pr.Field, pr.Op, pr.Param))
	}
	if len(p.GroupBy) > 0 {
		b.WriteString(" group by " + strings.Join(p.GroupBy, ","))
	}
	if p.Limit > 0 {
		b.WriteString(fmt.Sprintf(" limit %d", p.Limit))
	}
	return b.String()
}
