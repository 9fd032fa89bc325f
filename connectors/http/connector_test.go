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

package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

func connectTo(t *testing.T, serverURL string, opts map[string]interface{}) *Adapter {
	t.Helper()
	if opts == nil {
		opts = map[string]interface{}{}
	}
	opts["allow_private_ips"] = true

	adapter := NewAdapter()
	err := adapter.Connect(context.Background(), &base.AdapterConfig{
		Name:          "metrics_api",
		Kind:          base.SourceAPI,
		ConnectionURL: serverURL,
		Options:       opts,
		Timeout:       time.Second,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func npsPayload() *base.Payload {
	p := &base.Payload{
		Operation: base.OpGet,
		Target:    "/metrics/nps",
		Fields:    []string{"department", "nps_score"},
		GroupBy:   []string{"department"},
		Limit:     50,
	}
	p.AddPredicate("department", base.CmpIn, []interface{}{"eng", "sales"})
	p.AddPredicate("month", base.CmpGte, "2025-01")
	return p
}

func TestNewAdapter(t *testing.T) {
	adapter := NewAdapter()
	if adapter.logger == nil || adapter.httpClient == nil {
		t.Fatal("expected logger and client to be initialized")
	}
	if adapter.Name() != "api" {
		t.Errorf("Name() = %q, want %q", adapter.Name(), "api")
	}
	if adapter.Kind() != base.SourceAPI {
		t.Errorf("Kind() = %q", adapter.Kind())
	}
	if caps := adapter.Capabilities(); !caps.SupportsCancel || !caps.SupportsParallel {
		t.Errorf("Capabilities() = %+v", caps)
	}
	var _ base.SourceAdapter = adapter
}

func TestAdapter_Connect(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		opts    map[string]interface{}
		wantErr bool
	}{
		{"public https", "https://93.184.216.34/api", nil, false},
		{"loopback blocked", "http://127.0.0.1:8080", nil, true},
		{"metadata endpoint blocked", "http://169.254.169.254/latest", nil, true},
		{"loopback allowed", "http://127.0.0.1:8080", map[string]interface{}{"allow_private_ips": true}, false},
		{"bad scheme", "ftp://93.184.216.34", nil, true},
		{"empty", "", nil, true},
		{"host not allowed", "https://93.184.216.34", map[string]interface{}{"allowed_hosts": []string{"metrics.example.com"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewAdapter()
			err := adapter.Connect(context.Background(), &base.AdapterConfig{
				Name:          "api",
				ConnectionURL: tt.url,
				Options:       tt.opts,
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Connect() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !base.IsKind(err, base.KindSourceUnavailable) {
				t.Errorf("Connect() error kind = %v", err)
			}
		})
	}
}

func TestAdapter_Execute(t *testing.T) {
	var gotQuery url.Values
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"department":"eng","nps_score":41},{"department":"sales","nps_score":12}]}`))
	}))
	defer server.Close()

	adapter := connectTo(t, server.URL+"/v2/", map[string]interface{}{"auth_type": "bearer"})
	adapter.authConfig["token"] = "secret-token"

	rows, err := adapter.Execute(context.Background(), npsPayload(), 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotPath != "/v2/metrics/nps" {
		t.Errorf("path = %q", gotPath)
	}
	if got := gotQuery["department"]; len(got) != 2 || got[0] != "eng" || got[1] != "sales" {
		t.Errorf("department params = %v", got)
	}
	if gotQuery.Get("month[gte]") != "2025-01" {
		t.Errorf("comparison param = %v", gotQuery)
	}
	if gotQuery.Get("limit") != "50" || gotQuery.Get("fields") != "department,nps_score" || gotQuery.Get("group_by") != "department" {
		t.Errorf("shape params = %v", gotQuery)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	if len(rows) != 2 || rows[0]["department"] != "eng" || rows[1]["nps_score"] != float64(12) {
		t.Errorf("rows = %v", rows)
	}
}

func TestAdapter_Execute_LiteralStaysInQuery(t *testing.T) {
	var rawQuery, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		path = r.URL.Path
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	adapter := connectTo(t, server.URL, nil)
	p := &base.Payload{Operation: base.OpGet, Target: "/metrics/nps"}
	p.AddPredicate("department", base.CmpEq, "../admin\r\nX-Injected: 1")

	rows, err := adapter.Execute(context.Background(), p, time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v", rows)
	}
	if path != "/metrics/nps" {
		t.Errorf("literal leaked into path: %q", path)
	}
	if strings.ContainsAny(rawQuery, "\r\n") {
		t.Errorf("query not encoded: %q", rawQuery)
	}
}

func TestAdapter_Execute_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   base.ErrorKind
	}{
		{http.StatusGatewayTimeout, base.KindSourceTimeout},
		{http.StatusTooManyRequests, base.KindTransientNetwork},
		{http.StatusBadGateway, base.KindTransientNetwork},
		{http.StatusServiceUnavailable, base.KindSourceUnavailable},
		{http.StatusNotFound, base.KindSourceUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("upstream says no"))
			}))
			defer server.Close()

			adapter := connectTo(t, server.URL, nil)
			_, err := adapter.Execute(context.Background(), npsPayload(), time.Second)
			if !base.IsKind(err, tt.want) {
				t.Errorf("Execute() error = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestAdapter_Execute_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	adapter := connectTo(t, server.URL, nil)
	start := time.Now()
	_, err := adapter.Execute(context.Background(), npsPayload(), 30*time.Millisecond)
	if !base.IsKind(err, base.KindSourceTimeout) {
		t.Fatalf("Execute() error = %v, want source_timeout", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("adapter outlived its timeout")
	}
}

func TestAdapter_Execute_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	adapter := connectTo(t, server.URL, nil)
	server.Close()

	_, err := adapter.Execute(context.Background(), npsPayload(), time.Second)
	if !base.IsKind(err, base.KindSourceUnavailable) {
		t.Errorf("Execute() error = %v, want source_unavailable", err)
	}
}

func TestAdapter_Execute_InvalidPayload(t *testing.T) {
	adapter := connectTo(t, "http://127.0.0.1:1", nil)

	tests := []struct {
		name    string
		payload *base.Payload
	}{
		{"write verb", &base.Payload{Operation: base.OpPost, Target: "/metrics"}},
		{"traversal", &base.Payload{Operation: base.OpGet, Target: "/metrics/../admin"}},
		{"relative path", &base.Payload{Operation: base.OpGet, Target: "metrics"}},
		{"unbound param", &base.Payload{Operation: base.OpGet, Target: "/m", Predicates: []base.Predicate{{Field: "a", Op: base.CmpEq, Param: "p1"}}}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adapter.Execute(context.Background(), tt.payload, time.Second)
			if !base.IsKind(err, base.KindSourceUnavailable) {
				t.Errorf("Execute() error = %v", err)
			}
		})
	}
}

func TestAdapter_Execute_NotConnected(t *testing.T) {
	_, err := NewAdapter().Execute(context.Background(), npsPayload(), time.Second)
	if !base.IsKind(err, base.KindSourceUnavailable) {
		t.Errorf("Execute() error = %v", err)
	}
}

func TestAdapter_Execute_NonJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer server.Close()

	adapter := connectTo(t, server.URL, nil)
	if _, err := adapter.Execute(context.Background(), npsPayload(), time.Second); !base.IsKind(err, base.KindSourceUnavailable) {
		t.Errorf("Execute() error = %v", err)
	}
}

func TestConvertToRows(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  int
	}{
		{"array of objects", []interface{}{map[string]interface{}{"a": 1.0}, map[string]interface{}{"a": 2.0}}, 2},
		{"records envelope", map[string]interface{}{"records": []interface{}{map[string]interface{}{"a": 1.0}}}, 1},
		{"rows envelope", map[string]interface{}{"rows": []interface{}{}}, 0},
		{"single object", map[string]interface{}{"a": 1.0}, 1},
		{"scalar", 3.0, 1},
		{"array of scalars", []interface{}{1.0, 2.0, 3.0}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convertToRows(tt.input); len(got) != tt.want {
				t.Errorf("convertToRows() = %v, want %d rows", got, tt.want)
			}
		})
	}
}

func TestAdapter_applyAuth(t *testing.T) {
	tests := []struct {
		name       string
		authType   string
		authConfig map[string]string
		header     string
		want       string
	}{
		{"bearer", "bearer", map[string]string{"token": "t"}, "Authorization", "Bearer t"},
		{"api key default header", "api-key", map[string]string{"api_key": "k"}, "X-API-Key", "k"},
		{"api key custom header", "api-key", map[string]string{"api_key": "k", "header_name": "X-Key"}, "X-Key", "k"},
		{"none", "none", nil, "Authorization", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewAdapter()
			adapter.authType = tt.authType
			adapter.authConfig = tt.authConfig
			req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
			adapter.applyAuth(req)
			if got := req.Header.Get(tt.header); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}

	adapter := NewAdapter()
	adapter.authType = "basic"
	adapter.authConfig = map[string]string{"username": "u", "password": "p"}
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	adapter.applyAuth(req)
	if user, pass, ok := req.BasicAuth(); !ok || user != "u" || pass != "p" {
		t.Errorf("basic auth = %q %q %v", user, pass, ok)
	}
}

func TestAdapter_HealthCheck(t *testing.T) {
	status, err := NewAdapter().HealthCheck(context.Background())
	if err != nil || status.Healthy || status.Error != "base_url not configured" {
		t.Errorf("HealthCheck() = %+v, %v", status, err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := connectTo(t, server.URL, map[string]interface{}{"health_path": "/healthz"})
	status, err = adapter.HealthCheck(context.Background())
	if err != nil || !status.Healthy || status.Details["status_code"] != "200" {
		t.Errorf("HealthCheck() = %+v, %v", status, err)
	}
}
