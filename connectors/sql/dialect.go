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

package sql

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

// Dialect knows how a backend quotes identifiers and numbers placeholders
type Dialect struct {
	Name        string
	Driver      string
	quote       func(string) string
	placeholder func(n int) string
}

// Postgres uses double-quoted identifiers and $n placeholders
var Postgres = Dialect{
	Name:        "postgres",
	Driver:      "postgres",
	quote:       func(id string) string { return `"` + id + `"` },
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

// MySQL uses backtick identifiers and ? placeholders
var MySQL = Dialect{
	Name:        "mysql",
	Driver:      "mysql",
	quote:       func(id string) string { return "`" + id + "`" },
	placeholder: func(int) string { return "?" },
}

// DialectFor returns the dialect for a configured driver name
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq", "":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

var aggregates = map[string]bool{"AVG": true, "SUM": true, "MIN": true, "MAX": true, "COUNT": true}

// namedParamRegex matches :name placeholders but not postgres ::casts
var namedParamRegex = regexp.MustCompile(`(^|[^:]):([A-Za-z_][A-Za-z0-9_]*)`)

var sqlComparisons = map[string]string{
	base.CmpEq:  "=",
	base.CmpNeq: "<>",
	base.CmpGt:  ">",
	base.CmpGte: ">=",
	base.CmpLt:  "<",
	base.CmpLte: "<=",
}

// Render turns a payload into a statement and its positional arguments.
// Identifiers are validated and quoted; every literal travels as an
// argument. Fields outside GROUP BY are wrapped in aggregate.
func (d Dialect) Render(p *base.Payload, aggregate string) (string, []interface{}, error) {
	if p == nil {
		return "", nil, fmt.Errorf("nil payload")
	}
	if p.Template != "" {
		return d.bindTemplate(p.Template, p.Params)
	}
	if !strings.EqualFold(string(p.Operation), string(base.OpSelect)) {
		return "", nil, fmt.Errorf("sql sources only render SELECT, got %q", p.Operation)
	}

	aggregate = strings.ToUpper(aggregate)
	if aggregate == "" {
		aggregate = "AVG"
	}
	if !aggregates[aggregate] {
		return "", nil, fmt.Errorf("unsupported aggregate %q", aggregate)
	}

	if err := base.ValidateIdentifier(p.Target); err != nil {
		return "", nil, fmt.Errorf("table: %w", err)
	}
	for _, id := range p.Identifiers() {
		if err := base.ValidateIdentifier(id); err != nil {
			return "", nil, err
		}
	}

	grouped := make(map[string]bool, len(p.GroupBy))
	for _, g := range p.GroupBy {
		grouped[g] = true
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(p.Fields) == 0 {
		b.WriteString("*")
	}
	for i, f := range p.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		if len(grouped) > 0 && !grouped[f] {
			fmt.Fprintf(&b, "%s(%s) AS %s", aggregate, d.quote(f), d.quote(f))
		} else {
			b.WriteString(d.quote(f))
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(d.quote(p.Target))

	var args []interface{}
	for i, pr := range p.Predicates {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		value, ok := p.Params[pr.Param]
		if !ok {
			return "", nil, fmt.Errorf("predicate on %s references unbound parameter %q", pr.Field, pr.Param)
		}

		if pr.Op == base.CmpIn {
			list := expandList(value)
			if len(list) == 0 {
				b.WriteString("1 = 0")
				continue
			}
			marks := make([]string, len(list))
			for j, v := range list {
				args = append(args, v)
				marks[j] = d.placeholder(len(args))
			}
			fmt.Fprintf(&b, "%s IN (%s)", d.quote(pr.Field), strings.Join(marks, ", "))
			continue
		}

		op, ok := sqlComparisons[pr.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported comparison %q on %s", pr.Op, pr.Field)
		}
		args = append(args, value)
		fmt.Fprintf(&b, "%s %s %s", d.quote(pr.Field), op, d.placeholder(len(args)))
	}

	if len(p.GroupBy) > 0 {
		quoted := make([]string, len(p.GroupBy))
		for i, g := range p.GroupBy {
			quoted[i] = d.quote(g)
		}
		b.WriteString(" GROUP BY " + strings.Join(quoted, ", "))
		b.WriteString(" ORDER BY " + strings.Join(quoted, ", "))
	}
	if p.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(p.Limit))
	}
	return b.String(), args, nil
}

// bindTemplate replaces :name placeholders with the dialect's positional
// markers in order of appearance. List values expand to one marker each.
func (d Dialect) bindTemplate(template string, params map[string]interface{}) (string, []interface{}, error) {
	var (
		b    strings.Builder
		args []interface{}
		last int
	)
	for _, m := range namedParamRegex.FindAllStringSubmatchIndex(template, -1) {
		// m[4]:m[5] is the name, the colon sits just before it
		name := template[m[4]:m[5]]
		value, ok := params[name]
		if !ok {
			return "", nil, fmt.Errorf("template references unbound parameter %q", name)
		}
		b.WriteString(template[last : m[4]-1])

		if isList(value) {
			list := expandList(value)
			if len(list) == 0 {
				// IN (NULL) matches nothing
				b.WriteString("NULL")
				last = m[5]
				continue
			}
			marks := make([]string, len(list))
			for i, v := range list {
				args = append(args, v)
				marks[i] = d.placeholder(len(args))
			}
			b.WriteString(strings.Join(marks, ", "))
		} else {
			args = append(args, value)
			b.WriteString(d.placeholder(len(args)))
		}
		last = m[5]
	}
	b.WriteString(template[last:])
	return b.String(), args, nil
}

func isList(v interface{}) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// expandList flattens a slice value into arguments. Scalars become a
// single-element list.
func expandList(v interface{}) []interface{} {
	if !isList(v) {
		return []interface{}{v}
	}
	rv := reflect.ValueOf(v)
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
