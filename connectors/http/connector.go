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
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 3 * time.Second
	// DefaultMaxResponseSize is the maximum response body size (10MB)
	DefaultMaxResponseSize = 10 * 1024 * 1024
)

// Adapter executes GET payloads against an external metrics API. Retries
// are left to the engine's recovery loop, so each Execute is one request.
type Adapter struct {
	config          *base.AdapterConfig
	httpClient      *http.Client
	logger          *log.Logger
	baseURL         string
	authType        string
	authConfig      map[string]string
	headers         map[string]string
	maxResponseSize int64
}

// NewAdapter creates an API adapter with secure defaults
func NewAdapter() *Adapter {
	return &Adapter{
		logger:          log.New(os.Stdout, "[QE_HTTP] ", log.LstdFlags),
		headers:         make(map[string]string),
		authConfig:      make(map[string]string),
		maxResponseSize: DefaultMaxResponseSize,
		httpClient:      &http.Client{Timeout: DefaultTimeout},
	}
}

// Connect validates the base URL against SSRF rules and builds the client.
// Recognized options: allow_private_ips (bool), allowed_hosts ([]string),
// auth_type, headers, max_response_size, tls_skip_verify, health_path.
func (a *Adapter) Connect(ctx context.Context, config *base.AdapterConfig) error {
	a.config = config

	opts := base.HTTPEndpoint()
	if allow, ok := config.Options["allow_private_ips"].(bool); ok {
		opts.AllowPrivateIPs = allow
	}
	if hosts, ok := config.Options["allowed_hosts"].([]string); ok {
		opts.AllowedHosts = hosts
	}
	if _, err := base.ValidateEndpoint(config.ConnectionURL, opts); err != nil {
		return base.NewSourceError(config.Name, base.KindSourceUnavailable, "SSRF protection", err)
	}
	a.baseURL = strings.TrimSuffix(config.ConnectionURL, "/")

	a.authType = config.Option("auth_type", "none")
	for key, val := range config.Credentials {
		a.authConfig[key] = val
	}

	switch headers := config.Options["headers"].(type) {
	case map[string]string:
		for key, val := range headers {
			a.headers[key] = val
		}
	case map[string]interface{}:
		for key, val := range headers {
			if strVal, ok := val.(string); ok {
				a.headers[key] = strVal
			}
		}
	}

	if maxSize, ok := config.Options["max_response_size"].(int); ok && maxSize > 0 {
		a.maxResponseSize = int64(maxSize)
	}

	timeout := DefaultTimeout
	if config.Timeout > 0 {
		timeout = config.Timeout
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if skipVerify, ok := config.Options["tls_skip_verify"].(bool); ok && skipVerify {
		tlsConfig.InsecureSkipVerify = true
		a.logger.Printf("WARNING: TLS verification disabled for %s", config.Name)
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	a.httpClient = &http.Client{
		Timeout:   timeout,
		Transport: transport,
		// redirects could leave the validated host
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	a.logger.Printf("Connected to HTTP API: %s (auth=%s, timeout=%v)", config.Name, a.authType, timeout)
	return nil
}

// Execute issues one GET for the payload's resource. Predicates become query
// parameters: eq as field=value, in as repeated field=value, other
// comparisons as field[op]=value.
func (a *Adapter) Execute(ctx context.Context, payload *base.Payload, timeout time.Duration) ([]base.Row, error) {
	if a.baseURL == "" {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "base_url not configured", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, base.ClassifyError(a.Name(), err)
	}

	reqURL, err := a.buildURL(payload)
	if err != nil {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "invalid payload", err)
	}

	if timeout <= 0 && a.config != nil {
		timeout = a.config.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "failed to create request", err)
	}
	a.applyAuth(req)
	a.applyHeaders(req)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, base.NewSourceError(a.Name(), base.KindSourceTimeout, "request exceeded its deadline", err)
		}
		return nil, base.ClassifyError(a.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxResponseSize+1))
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, base.NewSourceError(a.Name(), base.KindSourceTimeout, "response exceeded its deadline", err)
		}
		return nil, base.ClassifyError(a.Name(), err)
	}
	if int64(len(body)) > a.maxResponseSize {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable,
			fmt.Sprintf("response size exceeds limit of %d bytes", a.maxResponseSize), nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errMsg := string(body)
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		return nil, base.NewSourceError(a.Name(), statusKind(resp.StatusCode),
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, base.SanitizeLogString(errMsg)), nil)
	}

	var result interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "response is not JSON", err)
	}
	rows := convertToRows(result)

	a.logger.Printf("HTTP GET %s: %d rows, %v", payload.Target, len(rows), time.Since(start))
	return rows, nil
}

// buildURL renders the resource path and query string. Literals are only
// ever placed in the encoded query, never in the path.
func (a *Adapter) buildURL(payload *base.Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("nil payload")
	}
	if !strings.EqualFold(string(payload.Operation), string(base.OpGet)) {
		return "", fmt.Errorf("api sources only serve GET, got %q", payload.Operation)
	}
	if err := base.ValidateResourcePath(payload.Target); err != nil {
		return "", err
	}

	params := url.Values{}
	referenced := make(map[string]bool, len(payload.Predicates))
	for _, pr := range payload.Predicates {
		value, ok := payload.Params[pr.Param]
		if !ok {
			return "", fmt.Errorf("predicate on %s references unbound parameter %q", pr.Field, pr.Param)
		}
		referenced[pr.Param] = true

		switch pr.Op {
		case base.CmpEq:
			params.Add(pr.Field, formatValue(value))
		case base.CmpIn:
			for _, v := range listValues(value) {
				params.Add(pr.Field, formatValue(v))
			}
		default:
			if !base.IsValidComparison(pr.Op) {
				return "", fmt.Errorf("unsupported comparison %q on %s", pr.Op, pr.Field)
			}
			params.Add(pr.Field+"["+pr.Op+"]", formatValue(value))
		}
	}

	// params not tied to a predicate pass through as plain query values
	for _, name := range payload.ParamNames() {
		if !referenced[name] {
			params.Add(name, formatValue(payload.Params[name]))
		}
	}
	if len(payload.Fields) > 0 {
		params.Set("fields", strings.Join(payload.Fields, ","))
	}
	if len(payload.GroupBy) > 0 {
		params.Set("group_by", strings.Join(payload.GroupBy, ","))
	}
	if payload.Limit > 0 {
		params.Set("limit", strconv.Itoa(payload.Limit))
	}

	u, err := url.Parse(a.baseURL + payload.Target)
	if err != nil {
		return "", fmt.Errorf("invalid URL path: %w", err)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func listValues(v interface{}) []interface{} {
	switch list := v.(type) {
	case []interface{}:
		return list
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return []interface{}{v}
	}
}

// statusKind maps an HTTP status onto the recovery taxonomy
func statusKind(code int) base.ErrorKind {
	switch code {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return base.KindSourceTimeout
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway:
		return base.KindTransientNetwork
	default:
		return base.KindSourceUnavailable
	}
}

// convertToRows accepts a bare array, an envelope with a data/records/rows
// array, or a single object
func convertToRows(result interface{}) []base.Row {
	switch v := result.(type) {
	case []interface{}:
		rows := make([]base.Row, 0, len(v))
		for _, item := range v {
			if itemMap, ok := item.(map[string]interface{}); ok {
				rows = append(rows, itemMap)
			} else {
				rows = append(rows, base.Row{"value": item})
			}
		}
		return rows
	case map[string]interface{}:
		for _, k := range []string{"data", "records", "rows"} {
			if list, ok := v[k].([]interface{}); ok {
				return convertToRows(list)
			}
		}
		return []base.Row{v}
	default:
		return []base.Row{{"value": v}}
	}
}

// HealthCheck verifies the API is reachable
func (a *Adapter) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	if a.baseURL == "" {
		return &base.HealthStatus{
			Healthy:   false,
			Error:     "base_url not configured",
			Timestamp: time.Now(),
		}, nil
	}

	healthPath := a.config.Option("health_path", "/")

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+healthPath, nil)
	if err != nil {
		return &base.HealthStatus{Healthy: false, Timestamp: time.Now(), Error: err.Error()}, nil
	}
	a.applyAuth(req)
	a.applyHeaders(req)

	resp, err := a.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &base.HealthStatus{
			Healthy:   false,
			Latency:   latency,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return &base.HealthStatus{
		Healthy: resp.StatusCode >= 200 && resp.StatusCode < 400,
		Latency: latency,
		Details: map[string]string{
			"base_url":    a.baseURL,
			"status_code": strconv.Itoa(resp.StatusCode),
			"auth_type":   a.authType,
		},
		Timestamp: time.Now(),
	}, nil
}

// Close drops idle connections
func (a *Adapter) Close() error {
	if a.httpClient != nil && a.httpClient.Transport != nil {
		if transport, ok := a.httpClient.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	a.logger.Printf("Disconnected from HTTP API: %s", a.Name())
	return nil
}

// Name returns the configured adapter name
func (a *Adapter) Name() string {
	if a.config == nil || a.config.Name == "" {
		return "api"
	}
	return a.config.Name
}

// Kind returns base.SourceAPI
func (a *Adapter) Kind() base.SourceKind {
	return base.SourceAPI
}

// Capabilities reports cancellable, parallel-safe requests
func (a *Adapter) Capabilities() base.Capabilities {
	return base.Capabilities{SupportsCancel: true, SupportsParallel: true}
}

// applyAuth applies authentication to the request
func (a *Adapter) applyAuth(req *http.Request) {
	switch a.authType {
	case "bearer":
		if token, ok := a.authConfig["token"]; ok && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "basic":
		if username, ok := a.authConfig["username"]; ok {
			req.SetBasicAuth(username, a.authConfig["password"])
		}
	case "api-key":
		if key, ok := a.authConfig["api_key"]; ok && key != "" {
			headerName := a.authConfig["header_name"]
			if headerName == "" {
				headerName = "X-API-Key"
			}
			req.Header.Set(headerName, key)
		}
	}
}

// applyHeaders applies custom headers to the request
func (a *Adapter) applyHeaders(req *http.Request) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "QueryEngine-HTTP-Adapter/1.0")
	}
	for key, val := range a.headers {
		req.Header.Set(key, val)
	}
}
