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

package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full engine configuration
type Config struct {
	Version    string           `yaml:"version"`
	AgentID    string           `yaml:"agent_id"`
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Sources    SourcesConfig    `yaml:"sources"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Security   SecurityConfig   `yaml:"security"`
	Widgets    WidgetConfig     `yaml:"widgets"`
	Complexity ComplexityConfig `yaml:"complexity"`
	Audit      AuditConfig      `yaml:"audit"`
	LogLevel   string           `yaml:"log_level"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Port             int      `yaml:"port"`
	RequestTimeoutMs int      `yaml:"request_timeout_ms"`
	CORSOrigins      []string `yaml:"cors_origins"`
}

// TTLConfig holds TTL seconds per volatility class
type TTLConfig struct {
	Historical    int `yaml:"historical"`
	Standard      int `yaml:"standard"`
	RealtimeCount int `yaml:"realtime_count"`
}

// CacheConfig configures both cache levels
type CacheConfig struct {
	Enabled                     bool      `yaml:"enabled"`
	RedisURL                    string    `yaml:"redis_url"`
	PolicyVersion               string    `yaml:"policy_version"`
	L1Shards                    int       `yaml:"l1_shards"`
	L1MaxEntries                int       `yaml:"l1_max_entries"`
	L1MaxAgeSeconds             int       `yaml:"l1_max_age_seconds"`
	TTL                         TTLConfig `yaml:"ttl"`
	StaleIfErrorSeconds         int       `yaml:"stale_if_error_seconds"`
	ExternalStaleIfErrorSeconds int       `yaml:"external_stale_if_error_seconds"`
	JanitorIntervalSeconds      int       `yaml:"janitor_interval_seconds"`
}

// ExecutionConfig bounds concurrency, retries and latency
type ExecutionConfig struct {
	MaxConcurrency      int `yaml:"max_concurrency"`
	MaxRetries          int `yaml:"max_retries"`
	BackoffBaseMs       int `yaml:"backoff_base_ms"`
	BackoffCapMs        int `yaml:"backoff_cap_ms"`
	SLAThresholdMs      int `yaml:"sla_threshold_ms"`
	CircuitMaxFailures  int `yaml:"circuit_max_failures"`
	CircuitResetSeconds int `yaml:"circuit_reset_seconds"`
}

// SQLSourceConfig configures the relational source
type SQLSourceConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// APISourceConfig configures the external API source
type APISourceConfig struct {
	Enabled         bool              `yaml:"enabled"`
	BaseURL         string            `yaml:"base_url"`
	TimeoutMs       int               `yaml:"timeout_ms"`
	Headers         map[string]string `yaml:"headers"`
	AllowPrivateIPs bool              `yaml:"allow_private_ips"`
	AllowedHosts    []string          `yaml:"allowed_hosts"`
}

// StreamSourceConfig configures the streaming feed
type StreamSourceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	TimeoutMs       int    `yaml:"timeout_ms"`
	AllowPrivateIPs bool   `yaml:"allow_private_ips"`
	// SnapshotSize is how many updates a request-scoped read collects
	// before returning.
	SnapshotSize int `yaml:"snapshot_size"`
}

// SourcesConfig groups the per-kind source settings
type SourcesConfig struct {
	SQL    SQLSourceConfig    `yaml:"sql"`
	API    APISourceConfig    `yaml:"api"`
	Stream StreamSourceConfig `yaml:"stream"`
}

// MetricEntry maps a metric onto its location in each backend
type MetricEntry struct {
	Table    string `yaml:"table"`
	Resource string `yaml:"resource"`
	Topic    string `yaml:"topic"`
}

// CatalogConfig describes where metrics live and how volatile they are
type CatalogConfig struct {
	Metrics                  map[string]MetricEntry `yaml:"metrics"`
	ExternalMetrics          []string               `yaml:"external_metrics"`
	HistoricalDimensions     []string               `yaml:"historical_dimensions"`
	HistoricalMetricSuffixes []string               `yaml:"historical_metric_suffixes"`
	RealtimeMetricSuffixes   []string               `yaml:"realtime_metric_suffixes"`
}

// RowPolicy mandates a predicate on Field bound to a principal attribute
type RowPolicy struct {
	Field         string `yaml:"field"`
	PrincipalAttr string `yaml:"principal_attr"`
}

// SecurityConfig holds allow-lists and row-level policies
type SecurityConfig struct {
	AllowedTables    []string             `yaml:"allowed_tables"`
	AllowedResources []string             `yaml:"allowed_resources"`
	AllowedTopics    []string             `yaml:"allowed_topics"`
	AllowedFields    []string             `yaml:"allowed_fields"`
	RowPolicies      map[string]RowPolicy `yaml:"row_policies"`
	// SQLiThreshold is the scanner's minimum confidence to block a literal.
	SQLiThreshold float64 `yaml:"sqli_threshold"`
}

// WidgetConfig sets result-size limits per widget kind
type WidgetConfig struct {
	TablePageSize  int `yaml:"table_page_size"`
	MaxPageSize    int `yaml:"max_page_size"`
	ChartSeriesCap int `yaml:"chart_series_cap"`
}

// ComplexityConfig sets the thresholds the planner uses to label an intent
// as complex in its optimization hints
type ComplexityConfig struct {
	FilterThreshold int `yaml:"filter_threshold"`
	InListThreshold int `yaml:"in_list_threshold"`
}

// AuditConfig configures the performance sample sink
type AuditConfig struct {
	DSN             string `yaml:"dsn"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

// Default returns a configuration that runs with only a SQL source
func Default() *Config {
	return &Config{
		Version: "1",
		AgentID: "query-engine",
		Server: ServerConfig{
			Port:             8090,
			RequestTimeoutMs: 5000,
			CORSOrigins:      []string{"http://localhost:3000"},
		},
		Cache: CacheConfig{
			Enabled:                     true,
			PolicyVersion:               "v1",
			L1Shards:                    16,
			L1MaxEntries:                10000,
			L1MaxAgeSeconds:             30,
			TTL:                         TTLConfig{Historical: 3600, Standard: 300, RealtimeCount: 30},
			StaleIfErrorSeconds:         600,
			ExternalStaleIfErrorSeconds: 3600,
			JanitorIntervalSeconds:      60,
		},
		Execution: ExecutionConfig{
			MaxConcurrency:      32,
			MaxRetries:          2,
			BackoffBaseMs:       50,
			BackoffCapMs:        2000,
			SLAThresholdMs:      1500,
			CircuitMaxFailures:  5,
			CircuitResetSeconds: 30,
		},
		Sources: SourcesConfig{
			SQL:    SQLSourceConfig{Enabled: true, Driver: "postgres", TimeoutMs: 2000, MaxOpenConns: 25, MaxIdleConns: 5},
			API:    APISourceConfig{TimeoutMs: 3000},
			Stream: StreamSourceConfig{TimeoutMs: 1000, SnapshotSize: 1},
		},
		Catalog: CatalogConfig{
			Metrics:                  map[string]MetricEntry{},
			HistoricalDimensions:     []string{"month", "quarter", "year", "week"},
			HistoricalMetricSuffixes: []string{"_history", "_trend"},
			RealtimeMetricSuffixes:   []string{"_count", "_now", "_live"},
		},
		Security: SecurityConfig{
			RowPolicies:   map[string]RowPolicy{},
			SQLiThreshold: 0.7,
		},
		Widgets: WidgetConfig{
			TablePageSize:  50,
			MaxPageSize:    1000,
			ChartSeriesCap: 500,
		},
		Complexity: ComplexityConfig{
			FilterThreshold: 4,
			InListThreshold: 50,
		},
		Audit: AuditConfig{
			BatchSize:       100,
			FlushIntervalMs: 1000,
		},
		LogLevel: "INFO",
	}
}

// Validate reports the first inconsistent setting
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Version != "", "version must be set")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.RequestTimeoutMs > 0, "server.request_timeout_ms must be > 0")
	check(c.Cache.PolicyVersion != "", "cache.policy_version must be set")
	check(c.Cache.TTL.Historical > 0 && c.Cache.TTL.Standard > 0 && c.Cache.TTL.RealtimeCount > 0,
		"cache.ttl values must be > 0")
	check(c.Cache.StaleIfErrorSeconds >= 0, "cache.stale_if_error_seconds must be >= 0")
	check(c.Cache.L1Shards > 0, "cache.l1_shards must be > 0")
	check(c.Execution.MaxConcurrency > 0, "execution.max_concurrency must be > 0")
	check(c.Execution.MaxRetries >= 0, "execution.max_retries must be >= 0")
	check(c.Execution.BackoffBaseMs > 0, "execution.backoff_base_ms must be > 0")
	check(c.Execution.BackoffCapMs >= c.Execution.BackoffBaseMs, "execution.backoff_cap_ms must be >= backoff_base_ms")
	check(c.Execution.SLAThresholdMs > 0, "execution.sla_threshold_ms must be > 0")
	check(c.Widgets.TablePageSize > 0 && c.Widgets.ChartSeriesCap > 0, "widgets limits must be > 0")
	check(c.Widgets.MaxPageSize >= c.Widgets.TablePageSize, "widgets.max_page_size must be >= table_page_size")
	check(c.Security.SQLiThreshold > 0 && c.Security.SQLiThreshold <= 1, "security.sqli_threshold must be in (0,1]")

	if c.Sources.SQL.Enabled {
		check(c.Sources.SQL.Driver == "postgres" || c.Sources.SQL.Driver == "mysql",
			"sources.sql.driver %q must be postgres or mysql", c.Sources.SQL.Driver)
		check(c.Sources.SQL.TimeoutMs > 0, "sources.sql.timeout_ms must be > 0")
	}
	if c.Sources.API.Enabled {
		check(c.Sources.API.BaseURL != "", "sources.api.base_url is required when the api source is enabled")
		check(c.Sources.API.TimeoutMs > 0, "sources.api.timeout_ms must be > 0")
	}
	if c.Sources.Stream.Enabled {
		check(c.Sources.Stream.URL != "", "sources.stream.url is required when the stream source is enabled")
		check(c.Sources.Stream.TimeoutMs > 0, "sources.stream.timeout_ms must be > 0")
	}
	for table, policy := range c.Security.RowPolicies {
		check(policy.Field != "" && policy.PrincipalAttr != "", "row policy for %q needs field and principal_attr", table)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequestTimeout is the per-request deadline
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMs) * time.Millisecond
}

// SLAThreshold is the total-duration budget above which a request is flagged
func (c *Config) SLAThreshold() time.Duration {
	return time.Duration(c.Execution.SLAThresholdMs) * time.Millisecond
}

// IsExternalMetric reports whether metric is served by the external API
func (c *Config) IsExternalMetric(metric string) bool {
	for _, m := range c.Catalog.ExternalMetrics {
		if m == metric {
			return true
		}
	}
	return false
}
