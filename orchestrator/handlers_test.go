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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

func newTestServer(t *testing.T, cfg *config.Config, adapters ...base.SourceAdapter) (http.Handler, *testEnv) {
	t.Helper()
	env := newTestEnv(t, cfg, adapters...)
	return NewServer(env.engine, cfg).Handler(), env
}

func serve(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueryHandler_Success(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	h, _ := newTestServer(t, testConfig(), sql)

	rec := serve(h, http.MethodPost, "/api/v1/query",
		`{"kind":"chart","metric":"burnout_risk_score","dimension":"department"}`,
		map[string]string{headerRequestID: "req-abc"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-abc", rec.Header().Get(headerRequestID))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "req-abc", resp.RequestID)
	assert.Equal(t, "query-engine", resp.AgentID)
	assert.Len(t, resp.Data.Records, 2)
	assert.Equal(t, CacheMiss, resp.QueryInfo.CacheStrategy.Status)
}

func TestQueryHandler_GeneratesRequestID(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	h, _ := newTestServer(t, testConfig(), sql)

	rec := serve(h, http.MethodPost, "/api/v1/query",
		`{"chart":"kpi","metric":"burnout_risk_score","dimension":"department"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get(headerRequestID)
	assert.Len(t, id, 36)
	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.RequestID)
}

func TestQueryHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantType ErrorType
	}{
		{"malformed json", `{"metric":`, http.StatusBadRequest, ErrTypeInvalidIntent},
		{"missing metric", `{"dimension":"department"}`, http.StatusBadRequest, ErrTypeInvalidIntent},
		{"unknown metric", `{"metric":"headcount","dimension":"department"}`, http.StatusUnprocessableEntity, ErrTypeUnsupportedIntent},
		{
			"forbidden field",
			`{"metric":"burnout_risk_score","dimension":"department","filters":{"salary":100000}}`,
			http.StatusForbidden, ErrTypeSecurity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql := newFakeAdapter(base.SourceSQL, respondRows)
			h, _ := newTestServer(t, testConfig(), sql)

			rec := serve(h, http.MethodPost, "/api/v1/query", tt.body, map[string]string{headerRequestID: "req-err"})
			require.Equal(t, tt.wantCode, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, StatusError, resp.Status)
			assert.Equal(t, tt.wantType, resp.Error.ErrorType)
			assert.Equal(t, "req-err", resp.RequestID)
			assert.NotEmpty(t, resp.Error.UserMessage)
			assert.Nil(t, resp.FallbackData)
			assert.Equal(t, 0, sql.Calls())
		})
	}
}

func TestQueryHandler_SourceFailure(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, failWith(base.KindSourceTimeout))
	h, _ := newTestServer(t, testConfig(), sql)

	rec := serve(h, http.MethodPost, "/api/v1/query",
		`{"metric":"burnout_risk_score","dimension":"department"}`, nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ErrTypeSourceTimeout, resp.Error.ErrorType)
	assert.Equal(t, "retry_later", resp.Error.RecoveryAction)
}

func TestQueryHandler_PrincipalHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RowPolicies["employee_metrics"] = config.RowPolicy{Field: "tenant_id", PrincipalAttr: "tenant_id"}
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	h, _ := newTestServer(t, cfg, sql)

	rec := serve(h, http.MethodPost, "/api/v1/query",
		`{"metric":"burnout_risk_score","dimension":"department"}`,
		map[string]string{headerPrincipalID: "u1", "X-Principal-Tenant-Id": "acme"})
	require.Equal(t, http.StatusOK, rec.Code)

	payloads := sql.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, "acme", payloads[0].Params["p1"])

	rec = serve(h, http.MethodPost, "/api/v1/query",
		`{"metric":"burnout_risk_score","dimension":"department"}`,
		map[string]string{headerPrincipalID: "u2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPrincipalFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", nil)
	req.Header.Set("X-Principal-ID", "u9")
	req.Header.Set("X-Principal-Tenant-Id", "acme")
	req.Header.Set("X-Principal-Region", "eu")
	req.Header.Set("X-Other", "ignored")

	p := principalFromRequest(req)
	assert.Equal(t, "u9", p.ID)
	assert.Equal(t, map[string]string{"tenant_id": "acme", "region": "eu"}, p.Attributes)
}

func TestInvalidateHandler(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	h, _ := newTestServer(t, testConfig(), sql)

	rec := serve(h, http.MethodPost, "/api/v1/query",
		`{"metric":"burnout_risk_score","dimension":"department"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodPost, "/api/v1/cache/invalidate", `{"tag":"metric:burnout_risk_score"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1.0, body["invalidated"])
	assert.Equal(t, "metric:burnout_risk_score", body["tag"])
	assert.NotEmpty(t, body["invalidated_at"])

	rec = serve(h, http.MethodPost, "/api/v1/cache/invalidate", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/api/v1/cache/invalidate", "{oops", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	h, _ := newTestServer(t, testConfig(), sql)

	rec := serve(h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["sources"], "sql")

	sql.mu.Lock()
	sql.healthy = false
	sql.mu.Unlock()

	rec = serve(h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsHandlers(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	h, _ := newTestServer(t, testConfig(), sql)

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodPost, "/api/v1/query",
			`{"metric":"burnout_risk_score","dimension":"department"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := serve(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats EngineStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Requests.Requests)
	assert.InDelta(t, 0.5, stats.Requests.CacheHitRatio, 1e-9)
	require.NotNil(t, stats.Cache)
	assert.Equal(t, int64(1), stats.Cache.Hits)

	rec = serve(h, http.MethodGet, "/prometheus", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queryengine_requests_total")
	assert.Contains(t, rec.Body.String(), "queryengine_sla_breaches_total")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t, testConfig(), newFakeAdapter(base.SourceSQL, respondRows))
	rec := serve(h, http.MethodGet, "/api/v1/query", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_CORS(t *testing.T) {
	tests := []struct {
		name            string
		origins         []string
		origin          string
		wantAllowOrigin string
		wantCredentials string
	}{
		{"listed origin", []string{"https://dashboards.example.com"}, "https://dashboards.example.com", "https://dashboards.example.com", "true"},
		{"unlisted origin", []string{"https://dashboards.example.com"}, "https://evil.example.com", "", ""},
		{"wildcard has no credentials", []string{"*"}, "https://evil.example.com", "*", ""},
		{"no origins configured", nil, "https://dashboards.example.com", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.CORSOrigins = tt.origins
			h, _ := newTestServer(t, cfg, newFakeAdapter(base.SourceSQL, respondRows))

			rec := serve(h, http.MethodGet, "/health", "", map[string]string{"Origin": tt.origin})
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantAllowOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
