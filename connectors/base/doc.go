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

/*
Package base defines the contract between the query engine and the
backends it reads from.

# Source Adapters

Every backend (relational store, external API, streaming feed) is reached
through a SourceAdapter:

	type SourceAdapter interface {
	    Execute(ctx context.Context, payload *Payload, timeout time.Duration) ([]Row, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Close() error

	    Name() string
	    Kind() SourceKind
	    Capabilities() Capabilities
	}

# Payloads

A Payload keeps identifiers and literals apart. Target, Fields, GroupBy
and predicate fields are identifiers and are validated against an
allow-list; literal values only ever live in Params and are bound by the
adapter, never spliced into statement text:

	p := &base.Payload{
	    Operation: base.OpSelect,
	    Target:    "employee_metrics",
	    Fields:    []string{"department", "burnout_risk_score"},
	    GroupBy:   []string{"department"},
	}
	p.AddPredicate("department", base.CmpIn, []interface{}{"eng", "ops"})

# Errors

Adapters report failures as *SourceError with one of three kinds:

  - KindSourceTimeout: the entry's budget expired
  - KindTransientNetwork: a retryable transport failure
  - KindSourceUnavailable: the backend is down; try a fallback source

ClassifyError maps raw driver errors onto these kinds.

# Endpoint Safety

ValidateEndpoint blocks SSRF targets before an adapter dials out, and
ValidateIdentifier guards anything that is quoted into a statement.
*/
package base
