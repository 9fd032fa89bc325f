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
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HAK978/Query-Engine-Agent/cache"
	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

// fakeAdapter answers payloads from respond and records every call
type fakeAdapter struct {
	kind     base.SourceKind
	parallel bool
	delay    time.Duration
	respond  func(call int, p *base.Payload) ([]base.Row, error)
	healthy  bool

	mu       sync.Mutex
	calls    int
	payloads []*base.Payload
	closed   bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeAdapter(kind base.SourceKind, respond func(call int, p *base.Payload) ([]base.Row, error)) *fakeAdapter {
	return &fakeAdapter{kind: kind, parallel: true, respond: respond, healthy: true}
}

func (f *fakeAdapter) Execute(ctx context.Context, p *base.Payload, _ time.Duration) ([]base.Row, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.payloads = append(f.payloads, p.Clone())
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.delay > 0 {
		timer := time.NewTimer(f.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, base.NewSourceError(f.Name(), base.KindSourceTimeout, "deadline exceeded", ctx.Err())
		}
	}
	if f.respond == nil {
		return []base.Row{}, nil
	}
	return f.respond(call, p)
}

func (f *fakeAdapter) HealthCheck(context.Context) (*base.HealthStatus, error) {
	return &base.HealthStatus{Healthy: f.healthy, Timestamp: time.Now()}, nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAdapter) Name() string { return string(f.kind) }
func (f *fakeAdapter) Kind() base.SourceKind { return f.kind }

func (f *fakeAdapter) Capabilities() base.Capabilities {
	return base.Capabilities{SupportsCancel: true, SupportsParallel: f.parallel}
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) Payloads() []*base.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*base.Payload(nil), f.payloads...)
}

// burnoutRows is a fresh two-department result set
func burnoutRows() []base.Row {
	return []base.Row{
		{"department": "engineering", "burnout_risk_score": 0.42},
		{"department": "sales", "burnout_risk_score": 0.31},
	}
}

func respondRows(int, *base.Payload) ([]base.Row, error) {
	return burnoutRows(), nil
}

func failWith(kind base.ErrorKind) func(int, *base.Payload) ([]base.Row, error) {
	return func(int, *base.Payload) ([]base.Row, error) {
		return nil, base.NewSourceError("sql", kind, "injected failure", nil)
	}
}

// testConfig is the default config with a small catalog, fast backoff and
// allow-lists covering it
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Execution.BackoffBaseMs = 1
	cfg.Execution.BackoffCapMs = 5
	cfg.Catalog.Metrics = map[string]config.MetricEntry{
		"burnout_risk_score": {Table: "employee_metrics", Resource: "/metrics/burnout", Topic: "burnout_live"},
		"engagement_score":   {Table: "employee_metrics"},
		"nps_score":          {Resource: "/metrics/nps"},
	}
	cfg.Catalog.ExternalMetrics = []string{"nps_score"}
	cfg.Security.AllowedTables = []string{"employee_metrics"}
	cfg.Security.AllowedResources = []string{"/metrics/burnout", "/metrics/nps"}
	cfg.Security.AllowedTopics = []string{"burnout_live"}
	cfg.Security.AllowedFields = []string{"department", "burnout_risk_score", "engagement_score", "nps_score", "month", "tenant_id", "id"}
	return cfg
}

func quietLogger() *logger.Logger {
	return logger.New("test").WithWriter(&bytes.Buffer{})
}

// testClock is a settable clock shared by the engine and its cache
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine *Engine
	store  *cache.Store
	clock  *testClock
}

func newTestEnv(t *testing.T, cfg *config.Config, adapters ...base.SourceAdapter) *testEnv {
	t.Helper()
	clock := newTestClock()
	store := cache.NewStore(cache.WithClock(clock.Now), cache.WithLogger(quietLogger()))

	engine, err := NewEngine(cfg,
		WithCache(store),
		WithAdapters(adapters...),
		WithClock(clock.Now),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	return &testEnv{engine: engine, store: store, clock: clock}
}

func chartRequest() *IntentRequest {
	return &IntentRequest{Kind: "chart", Metric: "burnout_risk_score", Dimension: "department"}
}

// collectSink keeps every sample it is handed
type collectSink struct {
	mu      sync.Mutex
	samples []PerformanceSample
}

func (c *collectSink) Record(_ context.Context, s PerformanceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collectSink) Samples() []PerformanceSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PerformanceSample(nil), c.samples...)
}
