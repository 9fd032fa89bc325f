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

package base

import (
	"context"
	"time"
)

// SourceKind identifies a family of backends a plan entry can target
type SourceKind string

const (
	SourceSQL    SourceKind = "sql"
	SourceAPI    SourceKind = "api"
	SourceStream SourceKind = "stream"
	// SourceCache is never executed by an adapter; it names the cache-only
	// degraded path in strategies and responses.
	SourceCache SourceKind = "cache"
)

// IsExecutable reports whether an adapter can serve this kind.
func (k SourceKind) IsExecutable() bool {
	switch k {
	case SourceSQL, SourceAPI, SourceStream:
		return true
	default:
		return false
	}
}

// Row is a single result row keyed by field name
type Row = map[string]interface{}

// Capabilities advertises what an adapter can honour
type Capabilities struct {
	SupportsCancel   bool `json:"supports_cancel"`
	SupportsParallel bool `json:"supports_parallel"`
}

// SourceAdapter executes one plan entry payload against one backend.
// Implementations must return either rows or an error, never both.
type SourceAdapter interface {
	// Execute runs the payload and returns its rows. The timeout is the
	// entry's effective budget; the adapter must not outlive it.
	Execute(ctx context.Context, payload *Payload, timeout time.Duration) ([]Row, error)

	HealthCheck(ctx context.Context) (*HealthStatus, error)
	Close() error

	Name() string
	Kind() SourceKind
	Capabilities() Capabilities
}

// AdapterConfig holds the connection settings for one adapter instance
type AdapterConfig struct {
	Name          string                 `json:"name" yaml:"name"`
	Kind          SourceKind             `json:"kind" yaml:"kind"`
	ConnectionURL string                 `json:"connection_url" yaml:"connection_url"` // DSN, base URL or ws URL
	Credentials   map[string]string      `json:"credentials" yaml:"credentials"`
	Options       map[string]interface{} `json:"options" yaml:"options"`
	Timeout       time.Duration          `json:"timeout" yaml:"timeout"` // default per-call timeout
}

// Option returns a string option or the fallback when absent.
func (c *AdapterConfig) Option(key, fallback string) string {
	if c == nil || c.Options == nil {
		return fallback
	}
	if v, ok := c.Options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// HealthStatus represents the health of an adapter's backend
type HealthStatus struct {
	Healthy   bool              `json:"healthy"`
	Latency   time.Duration     `json:"latency"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
}

// EffectiveTimeout bounds timeout by the context deadline. A zero timeout
// means "use the context deadline only".
func EffectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	if timeout <= 0 || remaining < timeout {
		return remaining
	}
	return timeout
}
