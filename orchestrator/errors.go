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
	"errors"
	"fmt"
	"net/http"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

// ErrorType is the error_type reported in the error envelope
type ErrorType string

const (
	ErrTypeInvalidIntent     ErrorType = "invalid_intent"
	ErrTypeUnsupportedIntent ErrorType = "unsupported_intent"
	ErrTypeSecurity          ErrorType = "security_violation"
	ErrTypeSourceTimeout     ErrorType = "source_timeout"
	ErrTypeTransientNetwork  ErrorType = "transient_network_error"
	ErrTypeSourceUnavailable ErrorType = "source_unavailable"
	ErrTypeSchemaConflict    ErrorType = "schema_conflict"
	ErrTypeInternal          ErrorType = "internal_error"
)

// InvalidIntentError reports a malformed or unknown intent
type InvalidIntentError struct {
	Field  string
	Reason string
}

func (e *InvalidIntentError) Error() string {
	if e.Field == "" {
		return "invalid intent: " + e.Reason
	}
	return fmt.Sprintf("invalid intent: %s: %s", e.Field, e.Reason)
}

// UnsupportedIntentError reports that no payload builder exists for a
// requested source kind, or that the catalog has no location for the metric
// on that source.
type UnsupportedIntentError struct {
	Kind   base.SourceKind
	Reason string
}

func (e *UnsupportedIntentError) Error() string {
	return fmt.Sprintf("unsupported intent for source %q: %s", e.Kind, e.Reason)
}

// SecurityViolation is raised by the validator. It is never retried and
// never replaced by a fallback source.
type SecurityViolation struct {
	EntryID string
	Reason  string
	// Pattern names the injection pattern that matched, when one did.
	Pattern string
}

func (e *SecurityViolation) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("security violation in entry %s: %s (pattern %s)", e.EntryID, e.Reason, e.Pattern)
	}
	return fmt.Sprintf("security violation in entry %s: %s", e.EntryID, e.Reason)
}

// SchemaConflictError reports two entries disagreeing on a field's type
type SchemaConflictError struct {
	Field string
	Left  string
	Right string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict on field %q: %s vs %s", e.Field, e.Left, e.Right)
}

// QueryError is what Engine.Query returns on failure. Fallback carries
// stale data when some was available but could not be served as a
// degraded success.
type QueryError struct {
	RequestID string
	Cause     error
	Fallback  *ResponseData
}

func (e *QueryError) Error() string {
	return e.Cause.Error()
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// errorInfo is the envelope description of one error kind
type errorInfo struct {
	Type           ErrorType
	Code           string
	RecoveryAction string
	UserMessage    string
	HTTPStatus     int
}

var sourceErrorInfo = map[base.ErrorKind]errorInfo{
	base.KindSourceTimeout: {
		Type: ErrTypeSourceTimeout, Code: "QE-504-TIMEOUT", RecoveryAction: "retry_later",
		UserMessage: "The data source took too long to respond. Please try again shortly.",
		HTTPStatus:  http.StatusGatewayTimeout,
	},
	base.KindTransientNetwork: {
		Type: ErrTypeTransientNetwork, Code: "QE-503-NETWORK", RecoveryAction: "retry_later",
		UserMessage: "A temporary network problem prevented loading this data.",
		HTTPStatus:  http.StatusServiceUnavailable,
	},
	base.KindSourceUnavailable: {
		Type: ErrTypeSourceUnavailable, Code: "QE-503-UNAVAILABLE", RecoveryAction: "use_fallback",
		UserMessage: "The data source is currently unavailable.",
		HTTPStatus:  http.StatusServiceUnavailable,
	},
}

// describeError maps any error returned by the engine onto its envelope
// description. Unknown errors are internal.
func describeError(err error) errorInfo {
	var (
		invalid     *InvalidIntentError
		unsupported *UnsupportedIntentError
		violation   *SecurityViolation
		conflict    *SchemaConflictError
		srcErr      *base.SourceError
	)

	switch {
	case errors.As(err, &violation):
		return errorInfo{
			Type: ErrTypeSecurity, Code: "QE-403-SECURITY", RecoveryAction: "none",
			UserMessage: "This request was blocked by a security policy.",
			HTTPStatus:  http.StatusForbidden,
		}
	case errors.As(err, &invalid):
		return errorInfo{
			Type: ErrTypeInvalidIntent, Code: "QE-400-INTENT", RecoveryAction: "fix_request",
			UserMessage: "The request is missing information or is malformed.",
			HTTPStatus:  http.StatusBadRequest,
		}
	case errors.As(err, &unsupported):
		return errorInfo{
			Type: ErrTypeUnsupportedIntent, Code: "QE-422-UNSUPPORTED", RecoveryAction: "fix_request",
			UserMessage: "This metric cannot be served by any configured data source.",
			HTTPStatus:  http.StatusUnprocessableEntity,
		}
	case errors.As(err, &conflict):
		return errorInfo{
			Type: ErrTypeSchemaConflict, Code: "QE-500-SCHEMA", RecoveryAction: "contact_support",
			UserMessage: "The data sources returned incompatible results.",
			HTTPStatus:  http.StatusInternalServerError,
		}
	case errors.As(err, &srcErr):
		if info, ok := sourceErrorInfo[srcErr.Kind]; ok {
			return info
		}
	}

	return errorInfo{
		Type: ErrTypeInternal, Code: "QE-500-INTERNAL", RecoveryAction: "contact_support",
		UserMessage: "An unexpected error occurred.",
		HTTPStatus:  http.StatusInternalServerError,
	}
}

// isFatal reports errors that short-circuit to the error output without
// any recovery attempt
func isFatal(err error) bool {
	var (
		invalid     *InvalidIntentError
		unsupported *UnsupportedIntentError
		violation   *SecurityViolation
		conflict    *SchemaConflictError
	)
	return errors.As(err, &invalid) || errors.As(err, &unsupported) ||
		errors.As(err, &violation) || errors.As(err, &conflict)
}
