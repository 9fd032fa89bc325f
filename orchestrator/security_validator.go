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
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
	"github.com/HAK978/Query-Engine-Agent/security/sqli"
	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

// Principal is the caller on whose behalf a plan runs. Identity is
// resolved upstream; the engine only reads attributes named by row
// policies.
type Principal struct {
	ID         string            `json:"id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attr returns a non-empty attribute value
func (p Principal) Attr(name string) (string, bool) {
	v, ok := p.Attributes[name]
	return v, ok && v != ""
}

// SecurityValidator checks every plan entry before execution. Allow-lists
// fail closed: an empty list admits nothing.
type SecurityValidator struct {
	tables    map[string]bool
	resources map[string]bool
	topics    map[string]bool
	fields    map[string]bool

	rowPolicies map[string]config.RowPolicy

	templateScanner sqli.Scanner
	literalScanner  sqli.Scanner
	log             *logger.Logger
}

// NewSecurityValidator builds a validator from the security config.
// SQLiThreshold maps onto the minimum pattern severity reported for bound
// literals.
func NewSecurityValidator(cfg config.SecurityConfig) *SecurityValidator {
	minSeverity := int(math.Ceil(cfg.SQLiThreshold * 10))
	return &SecurityValidator{
		tables:          toSet(cfg.AllowedTables),
		resources:       toSet(cfg.AllowedResources),
		topics:          toSet(cfg.AllowedTopics),
		fields:          toSet(cfg.AllowedFields),
		rowPolicies:     cfg.RowPolicies,
		templateScanner: sqli.NewBasicScanner(),
		literalScanner:  sqli.NewBasicScanner(sqli.WithMinSeverity(minSeverity)),
		log:             logger.New("security"),
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

// Validate returns a checked copy of plan with mandated row-level
// predicates injected. The first offending entry fails the whole plan with
// a *SecurityViolation.
func (v *SecurityValidator) Validate(ctx context.Context, plan *QueryPlan, principal Principal) (*QueryPlan, error) {
	secured := plan.Clone()
	for i := range secured.Entries {
		if err := v.validateEntry(ctx, &secured.Entries[i], principal); err != nil {
			v.log.Warn("", "plan rejected", map[string]interface{}{
				"entry":  secured.Entries[i].ID,
				"reason": err.Error(),
			})
			return nil, err
		}
	}
	return secured, nil
}

func (v *SecurityValidator) validateEntry(ctx context.Context, e *PlanEntry, principal Principal) error {
	violation := func(format string, args ...interface{}) error {
		return &SecurityViolation{EntryID: e.ID, Reason: fmt.Sprintf(format, args...)}
	}

	p := e.Payload
	if p == nil {
		return violation("entry has no payload")
	}
	if !p.Operation.IsRead() {
		return violation("operation %q is not read-only", p.Operation)
	}
	if err := v.checkTarget(e.SourceKind, p.Target); err != nil {
		return violation("%v", err)
	}

	for _, id := range p.Identifiers() {
		if err := v.checkField(id); err != nil {
			return violation("%v", err)
		}
	}
	for _, f := range e.Residual {
		if err := v.checkField(f.Field); err != nil {
			return violation("%v", err)
		}
	}
	for _, pr := range p.Predicates {
		if !base.IsValidComparison(pr.Op) {
			return violation("unsupported comparison %q on %s", pr.Op, pr.Field)
		}
		if _, bound := p.Params[pr.Param]; !bound {
			return violation("predicate on %s references unbound parameter %q", pr.Field, pr.Param)
		}
	}

	if p.Template != "" {
		if e.SourceKind != base.SourceSQL {
			return violation("templates are only supported for sql sources")
		}
		if res := v.templateScanner.Scan(ctx, p.Template, sqli.ScanTypeTemplate); res.Blocked {
			return &SecurityViolation{
				EntryID: e.ID,
				Reason:  fmt.Sprintf("template contains %s", res.Category),
				Pattern: res.Pattern,
			}
		}
	}

	for _, name := range p.ParamNames() {
		if err := v.checkLiteral(ctx, e, name, p.Params[name]); err != nil {
			return err
		}
	}

	return v.applyRowPolicy(e, principal)
}

func (v *SecurityValidator) checkTarget(kind base.SourceKind, target string) error {
	switch kind {
	case base.SourceSQL:
		if err := base.ValidateIdentifier(target); err != nil {
			return err
		}
		if !v.tables[target] {
			return fmt.Errorf("table %q is not allow-listed", target)
		}
	case base.SourceAPI:
		if err := base.ValidateResourcePath(target); err != nil {
			return err
		}
		if !v.resources[target] {
			return fmt.Errorf("resource %q is not allow-listed", target)
		}
	case base.SourceStream:
		if err := base.ValidateIdentifier(target); err != nil {
			return err
		}
		if !v.topics[target] {
			return fmt.Errorf("topic %q is not allow-listed", target)
		}
	default:
		return fmt.Errorf("source kind %q cannot be executed", kind)
	}
	return nil
}

func (v *SecurityValidator) checkField(field string) error {
	if err := base.ValidateIdentifier(field); err != nil {
		return err
	}
	if !v.fields[field] {
		return fmt.Errorf("field %q is not allow-listed", field)
	}
	return nil
}

// checkLiteral inspects a bound value for markers that would change the
// structure of the request for this payload type. SQL parameters are never
// parsed as SQL, so detections there are logged but accepted.
func (v *SecurityValidator) checkLiteral(ctx context.Context, e *PlanEntry, name string, value interface{}) error {
	if list, ok := value.([]interface{}); ok {
		for _, item := range list {
			if _, nested := item.([]interface{}); nested {
				return &SecurityViolation{EntryID: e.ID, Reason: fmt.Sprintf("parameter %s holds a nested list", name)}
			}
			if err := v.checkLiteral(ctx, e, name, item); err != nil {
				return err
			}
		}
		return nil
	}
	if !isScalar(value) {
		return &SecurityViolation{EntryID: e.ID, Reason: fmt.Sprintf("parameter %s is not a scalar", name)}
	}

	s, ok := value.(string)
	if !ok {
		return nil
	}
	if strings.ContainsRune(s, 0) {
		return &SecurityViolation{EntryID: e.ID, Reason: fmt.Sprintf("parameter %s contains a NUL byte", name)}
	}

	switch e.SourceKind {
	case base.SourceSQL:
		if res := v.literalScanner.Scan(ctx, s, sqli.ScanTypeLiteral); res.Detected {
			v.log.Warn("", "suspicious literal bound as parameter", map[string]interface{}{
				"entry":    e.ID,
				"param":    name,
				"pattern":  res.Pattern,
				"category": string(res.Category),
				"input":    res.Input,
			})
		}
	case base.SourceAPI:
		if strings.ContainsAny(s, "\r\n") {
			return &SecurityViolation{EntryID: e.ID, Reason: fmt.Sprintf("parameter %s contains CR/LF", name), Pattern: "crlf_injection"}
		}
		if strings.Contains(s, "../") || strings.Contains(s, `..\`) {
			return &SecurityViolation{EntryID: e.ID, Reason: fmt.Sprintf("parameter %s contains path traversal", name), Pattern: "path_traversal"}
		}
	case base.SourceStream:
		for _, r := range s {
			if r < 0x20 && r != '\t' {
				return &SecurityViolation{EntryID: e.ID, Reason: fmt.Sprintf("parameter %s contains control characters", name)}
			}
		}
	}
	return nil
}

// applyRowPolicy injects the predicate a policy mandates for the target,
// bound to the principal's attribute. An existing predicate on the policy
// field must already be that exact equality.
func (v *SecurityValidator) applyRowPolicy(e *PlanEntry, principal Principal) error {
	policy, ok := v.rowPolicies[e.Payload.Target]
	if !ok {
		return nil
	}
	value, ok := principal.Attr(policy.PrincipalAttr)
	if !ok {
		return &SecurityViolation{
			EntryID: e.ID,
			Reason:  fmt.Sprintf("row policy on %s needs principal attribute %q", e.Payload.Target, policy.PrincipalAttr),
		}
	}
	if e.Payload.Template != "" {
		return &SecurityViolation{EntryID: e.ID, Reason: "row policy cannot be enforced on a template payload"}
	}

	present := false
	for _, pr := range e.Payload.Predicates {
		if pr.Field != policy.Field {
			continue
		}
		if pr.Op != base.CmpEq || fmt.Sprint(e.Payload.Params[pr.Param]) != value {
			return &SecurityViolation{
				EntryID: e.ID,
				Reason:  fmt.Sprintf("predicate on %s conflicts with the row policy", policy.Field),
			}
		}
		present = true
	}
	if !present {
		e.Payload.AddPredicate(policy.Field, base.CmpEq, value)
	}
	return nil
}

// Scope is the part of the principal that changes query results: the
// attributes row policies bind. It keeps cache entries of different
// tenants apart.
func (v *SecurityValidator) Scope(principal Principal) string {
	attrs := make(map[string]bool, len(v.rowPolicies))
	for _, policy := range v.rowPolicies {
		attrs[policy.PrincipalAttr] = true
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value, _ := principal.Attr(name)
		parts = append(parts, name+"="+value)
	}
	return strings.Join(parts, ";")
}
