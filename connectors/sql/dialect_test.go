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
	"reflect"
	"strings"
	"testing"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

func burnoutPayload() *base.Payload {
	p := &base.Payload{
		Operation: base.OpSelect,
		Target:    "employee_metrics",
		Fields:    []string{"department", "burnout_risk_score"},
		GroupBy:   []string{"department"},
		Limit:     500,
	}
	p.AddPredicate("tenant_id", base.CmpEq, "acme")
	p.AddPredicate("department", base.CmpIn, []interface{}{"eng", "sales"})
	return p
}

func TestDialect_Render(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:     "postgres",
			dialect:  Postgres,
			wantSQL:  `SELECT "department", AVG("burnout_risk_score") AS "burnout_risk_score" FROM "employee_metrics" WHERE "tenant_id" = $1 AND "department" IN ($2, $3) GROUP BY "department" ORDER BY "department" LIMIT 500`,
			wantArgs: []interface{}{"acme", "eng", "sales"},
		},
		{
			name:     "mysql",
			dialect:  MySQL,
			wantSQL:  "SELECT `department`, AVG(`burnout_risk_score`) AS `burnout_risk_score` FROM `employee_metrics` WHERE `tenant_id` = ? AND `department` IN (?, ?) GROUP BY `department` ORDER BY `department` LIMIT 500",
			wantArgs: []interface{}{"acme", "eng", "sales"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := tt.dialect.Render(burnoutPayload(), "avg")
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("Render() sql =\n%s\nwant\n%s", sql, tt.wantSQL)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("Render() args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestDialect_Render_LiteralNeverInText(t *testing.T) {
	p := &base.Payload{Operation: base.OpSelect, Target: "employee_metrics", Fields: []string{"id"}}
	injection := "x'; DROP TABLE employee_metrics; --"
	p.AddPredicate("department", base.CmpEq, injection)

	sql, args, err := Postgres.Render(p, "")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if strings.Contains(sql, "DROP") || strings.Contains(sql, "'") {
		t.Errorf("literal leaked into statement: %s", sql)
	}
	if len(args) != 1 || args[0] != injection {
		t.Errorf("literal should be bound unchanged, got %v", args)
	}
}

func TestDialect_Render_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*base.Payload)
		agg     string
		wantErr string
	}{
		{"write operation", func(p *base.Payload) { p.Operation = base.OpDelete }, "", "only render SELECT"},
		{"bad table", func(p *base.Payload) { p.Target = "employee_metrics; DROP" }, "", "table"},
		{"reserved field", func(p *base.Payload) { p.Fields = append(p.Fields, "select") }, "", "reserved"},
		{"bad aggregate", func(p *base.Payload) {}, "median; --", "aggregate"},
		{"unbound param", func(p *base.Payload) { delete(p.Params, "p1") }, "", "unbound parameter"},
		{"bad comparison", func(p *base.Payload) { p.Predicates[0].Op = "like" }, "", "unsupported comparison"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := burnoutPayload()
			tt.mutate(p)
			_, _, err := Postgres.Render(p, tt.agg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Render() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, _, err := Postgres.Render(nil, ""); err == nil {
		t.Error("nil payload should fail")
	}
}

func TestDialect_Render_EmptyInAndNoFields(t *testing.T) {
	p := &base.Payload{Operation: base.OpSelect, Target: "employee_metrics"}
	p.AddPredicate("department", base.CmpIn, []string{})

	sql, args, err := MySQL.Render(p, "")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if sql != "SELECT * FROM `employee_metrics` WHERE 1 = 0" {
		t.Errorf("sql = %s", sql)
	}
	if len(args) != 0 {
		t.Errorf("args = %v", args)
	}
}

func TestDialect_BindTemplate(t *testing.T) {
	params := map[string]interface{}{
		"tenant": "acme",
		"depts":  []string{"eng", "ops"},
		"none":   []interface{}{},
	}

	tests := []struct {
		name     string
		dialect  Dialect
		template string
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:     "named params in order",
			dialect:  Postgres,
			template: "SELECT month::text AS month FROM employee_metrics WHERE tenant_id = :tenant AND department IN (:depts)",
			wantSQL:  "SELECT month::text AS month FROM employee_metrics WHERE tenant_id = $1 AND department IN ($2, $3)",
			wantArgs: []interface{}{"acme", "eng", "ops"},
		},
		{
			name:     "mysql markers",
			dialect:  MySQL,
			template: "SELECT id FROM t WHERE tenant_id = :tenant",
			wantSQL:  "SELECT id FROM t WHERE tenant_id = ?",
			wantArgs: []interface{}{"acme"},
		},
		{
			name:     "empty list",
			dialect:  Postgres,
			template: "SELECT id FROM t WHERE id IN (:none)",
			wantSQL:  "SELECT id FROM t WHERE id IN (NULL)",
		},
		{
			name:     "param at start",
			dialect:  Postgres,
			template: ":tenant",
			wantSQL:  "$1",
			wantArgs: []interface{}{"acme"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &base.Payload{Operation: base.OpSelect, Template: tt.template, Params: params}
			sql, args, err := tt.dialect.Render(p, "")
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("sql = %q, want %q", sql, tt.wantSQL)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %#v, want %#v", args, tt.wantArgs)
			}
		})
	}

	p := &base.Payload{Template: "SELECT 1 FROM t WHERE a = :missing"}
	if _, _, err := Postgres.Render(p, ""); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected unbound parameter error, got %v", err)
	}
}

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"postgres", "PostgreSQL", ""} {
		if d, err := DialectFor(name); err != nil || d.Name != "postgres" {
			t.Errorf("DialectFor(%q) = %v, %v", name, d.Name, err)
		}
	}
	if d, err := DialectFor("mariadb"); err != nil || d.Name != "mysql" {
		t.Errorf("DialectFor(mariadb) = %v, %v", d.Name, err)
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
