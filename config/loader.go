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
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration in three layers: defaults, then the YAML
// file at path (if any), then environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by QE_CONFIG_FILE, if set
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("QE_CONFIG_FILE"))
}

// Parse expands environment references in data and decodes it over cfg
func Parse(data []byte, cfg *Config) error {
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides file values with the service environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Sources.SQL.DSN = v
		c.Sources.SQL.Enabled = true
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Sources.SQL.Driver = v
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.Sources.API.BaseURL = v
		c.Sources.API.Enabled = true
	}
	if v := os.Getenv("STREAM_URL"); v != "" {
		c.Sources.Stream.URL = v
		c.Sources.Stream.Enabled = true
	}
	if v := os.Getenv("AUDIT_DATABASE_URL"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SLA_THRESHOLD_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SLA_THRESHOLD_MS %q: %w", v, err)
		}
		c.Execution.SLAThresholdMs = ms
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_CONCURRENCY %q: %w", v, err)
		}
		c.Execution.MaxConcurrency = n
	}
	return nil
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands ${VAR}, ${VAR:-default} and $VAR references.
// Undefined variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

// ExampleFile is a documented configuration for a SQL-backed deployment
// with an optional external API
func ExampleFile() string {
	return `# Query engine configuration
# Environment variables can be referenced using ${VAR_NAME} or ${VAR_NAME:-default} syntax

version: "1"
agent_id: ${QE_AGENT_ID:-query-engine}

server:
  port: 8090
  request_timeout_ms: 5000
  # browser origins allowed to call the API with credentials
  cors_origins:
    - https://dashboards.example.com

cache:
  enabled: true
  redis_url: ${REDIS_URL}
  policy_version: v1
  l1_shards: 16
  ttl:
    historical: 3600
    standard: 300
    realtime_count: 30
  stale_if_error_seconds: 600

execution:
  max_concurrency: 32
  max_retries: 2
  backoff_base_ms: 50
  backoff_cap_ms: 2000
  sla_threshold_ms: 1500

sources:
  sql:
    enabled: true
    driver: ${DATABASE_DRIVER:-postgres}
    dsn: ${DATABASE_URL}
    timeout_ms: 2000
  api:
    enabled: false
    base_url: ${API_BASE_URL}
    timeout_ms: 3000
  stream:
    enabled: false
    url: ${STREAM_URL}
    timeout_ms: 1000

catalog:
  metrics:
    burnout_risk_score:
      table: employee_metrics
      resource: /metrics/burnout
      topic: burnout_live
    nps_score:
      resource: /metrics/nps
  external_metrics: [nps_score]

security:
  allowed_tables: [employee_metrics]
  allowed_resources: [/metrics/burnout, /metrics/nps]
  allowed_topics: [burnout_live]
  allowed_fields: [department, burnout_risk_score, nps_score, month, tenant_id, id]
  row_policies:
    employee_metrics:
      field: tenant_id
      principal_attr: tenant_id

widgets:
  table_page_size: 50
  chart_series_cap: 500
`
}
