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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

func TestNewErrorResponse(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantCode int
		action   string
	}{
		{"invalid", &InvalidIntentError{Field: "metric", Reason: "is required"}, ErrTypeInvalidIntent, http.StatusBadRequest, "fix_request"},
		{"unsupported", &UnsupportedIntentError{Kind: base.SourceAPI, Reason: "no resource"}, ErrTypeUnsupportedIntent, http.StatusUnprocessableEntity, "fix_request"},
		{"security", &SecurityViolation{EntryID: "sql:m", Reason: "field not allowed"}, ErrTypeSecurity, http.StatusForbidden, "none"},
		{"schema", &SchemaConflictError{Field: "m", Left: "number", Right: "string"}, ErrTypeSchemaConflict, http.StatusInternalServerError, "contact_support"},
		{"timeout", base.NewSourceError("sql", base.KindSourceTimeout, "slow", nil), ErrTypeSourceTimeout, http.StatusGatewayTimeout, "retry_later"},
		{"network", base.NewSourceError("api", base.KindTransientNetwork, "reset", nil), ErrTypeTransientNetwork, http.StatusServiceUnavailable, "retry_later"},
		{"unavailable", base.NewSourceError("api", base.KindSourceUnavailable, "down", nil), ErrTypeSourceUnavailable, http.StatusServiceUnavailable, "use_fallback"},
		{"wrapped", fmt.Errorf("execute: %w", &SecurityViolation{Reason: "x"}), ErrTypeSecurity, http.StatusForbidden, "none"},
		{"unknown", errors.New("boom"), ErrTypeInternal, http.StatusInternalServerError, "contact_support"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, code := NewErrorResponse("qe", tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantType, resp.Error.ErrorType)
			assert.Equal(t, tt.action, resp.Error.RecoveryAction)
			assert.Equal(t, tt.err.Error(), resp.Error.Message)
			assert.Equal(t, StatusError, resp.Status)
			assert.NotEmpty(t, resp.Error.ErrorCode)
			assert.Empty(t, resp.RequestID)
		})
	}
}

func TestNewErrorResponse_QueryErrorCarriesFallback(t *testing.T) {
	fallback := newResponseData(&AggregatedData{DataSource: DataSourceCachedFallback, Degraded: true})
	err := &QueryError{
		RequestID: "req-5",
		Cause:     base.NewSourceError("sql", base.KindSourceUnavailable, "down", nil),
		Fallback:  fallback,
	}

	resp, code := NewErrorResponse("qe", err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "req-5", resp.RequestID)
	require.NotNil(t, resp.FallbackData)
	assert.True(t, resp.FallbackData.Metadata.Degraded)

	out, jerr := json.Marshal(resp)
	require.NoError(t, jerr)
	assert.Contains(t, string(out), `"data_source":"cached_fallback"`)
}

func TestNewResponseData_NeverNull(t *testing.T) {
	out, err := json.Marshal(newResponseData(&AggregatedData{DataSource: DataSourceLive}))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, []interface{}{}, decoded["records"])
	assert.Equal(t, []interface{}{}, decoded["schema"])
	meta := decoded["metadata"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, meta["sources_used"])
	assert.NotContains(t, meta, "dropped_entries")
}
