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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request stages as they appear in samples and metrics
const (
	StagePlan        = "plan"
	StageCacheLookup = "cache_lookup"
	StageConstruct   = "construct"
	StageOptimize    = "optimize"
	StageSecure      = "secure"
	StageExecute     = "execute"
	StageRecover     = "recover"
	StageAggregate   = "aggregate"
	StageCacheWrite  = "cache_write"
)

// Cache lookup outcomes
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
	CacheBypass = "bypass"
	CacheStale  = "stale_fallback"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryengine_requests_total",
			Help: "Total number of intents processed by the query engine",
		},
		[]string{"status"},
	)
	promStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryengine_stage_duration_milliseconds",
			Help:    "Per-stage duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"stage"},
	)
	promCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryengine_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)
	promSourceAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryengine_source_attempts_total",
			Help: "Source adapter executions by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	promSLABreaches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queryengine_sla_breaches_total",
			Help: "Requests whose total duration exceeded the SLA threshold",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promStageDuration)
	prometheus.MustRegister(promCacheLookups)
	prometheus.MustRegister(promSourceAttempts)
	prometheus.MustRegister(promSLABreaches)
}

// PerformanceSample is one timed stage of one request. Samples are only
// ever appended.
type PerformanceSample struct {
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	DurationMs float64   `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Source     string    `json:"source,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	At         time.Time `json:"at"`
}

// SampleSink receives every sample. Implementations must not block the
// request for long.
type SampleSink interface {
	Record(ctx context.Context, sample PerformanceSample)
}

// Summary is the monitoring verdict for a finished request
type Summary struct {
	TotalMs    float64            `json:"total_ms"`
	Stages     map[string]float64 `json:"stages"`
	SLABreach  bool               `json:"sla_breach"`
	Tags       []string           `json:"tags,omitempty"`
	Suggestion string             `json:"optimization_suggestion,omitempty"`
}

// RecorderSnapshot is the process-wide view served on /metrics
type RecorderSnapshot struct {
	Requests      int64   `json:"requests"`
	SLABreaches   int64   `json:"sla_breaches"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
	AvgMs         float64 `json:"avg_ms"`
	P50Ms         float64 `json:"p50_ms"`
	P95Ms         float64 `json:"p95_ms"`
	P99Ms         float64 `json:"p99_ms"`
}

// PerformanceRecorder times request stages, keeps a running cache-hit
// ratio and flags SLA breaches. Its verdicts are advisory and never change
// control flow.
type PerformanceRecorder struct {
	sink         SampleSink
	slaThreshold time.Duration

	requests    atomic.Int64
	slaBreaches atomic.Int64
	hits        atomic.Int64
	lookups     atomic.Int64

	mu      sync.Mutex
	timings []int64
}

// NewPerformanceRecorder creates a recorder. sink may be nil.
func NewPerformanceRecorder(sink SampleSink, slaThreshold time.Duration) *PerformanceRecorder {
	return &PerformanceRecorder{
		sink:         sink,
		slaThreshold: slaThreshold,
		timings:      make([]int64, 0, 1000),
	}
}

// Begin starts the trace of one request
func (p *PerformanceRecorder) Begin(requestID string) *RequestTrace {
	return &RequestTrace{
		recorder:  p,
		requestID: requestID,
		start:     time.Now(),
	}
}

// RecordCacheLookup counts one lookup. Bypassed lookups do not move the
// hit ratio.
func (p *PerformanceRecorder) RecordCacheLookup(result string) {
	promCacheLookups.WithLabelValues(result).Inc()
	switch result {
	case CacheHit, CacheShared:
		p.hits.Add(1)
		p.lookups.Add(1)
	case CacheMiss:
		p.lookups.Add(1)
	}
}

// HitRatio is hits over hits plus misses since start
func (p *PerformanceRecorder) HitRatio() float64 {
	total := p.lookups.Load()
	if total == 0 {
		return 0
	}
	return float64(p.hits.Load()) / float64(total)
}

// Snapshot returns process-wide counters and latency percentiles over the
// last 1000 requests
func (p *PerformanceRecorder) Snapshot() RecorderSnapshot {
	p.mu.Lock()
	timings := append([]int64(nil), p.timings...)
	p.mu.Unlock()

	return RecorderSnapshot{
		Requests:      p.requests.Load(),
		SLABreaches:   p.slaBreaches.Load(),
		CacheHitRatio: p.HitRatio(),
		AvgMs:         calculateAverage(timings),
		P50Ms:         calculatePercentile(timings, 50),
		P95Ms:         calculatePercentile(timings, 95),
		P99Ms:         calculatePercentile(timings, 99),
	}
}

func (p *PerformanceRecorder) observeTotal(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.timings) >= 1000 {
		p.timings = p.timings[1:]
	}
	p.timings = append(p.timings, ms)
}

func calculatePercentile(timings []int64, percentile float64) float64 {
	if len(timings) == 0 {
		return 0
	}
	sorted := append([]int64(nil), timings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)-1) * percentile / 100)
	return float64(sorted[index])
}

func calculateAverage(timings []int64) float64 {
	if len(timings) == 0 {
		return 0
	}
	var sum int64
	for _, t := range timings {
		sum += t
	}
	return float64(sum) / float64(len(timings))
}

// RequestTrace is the append-only sample log of one request
type RequestTrace struct {
	recorder  *PerformanceRecorder
	requestID string
	start     time.Time

	mu      sync.Mutex
	samples []PerformanceSample
}

// Record appends a stage sample and forwards it to the sink
func (t *RequestTrace) Record(ctx context.Context, stage string, d time.Duration, outcome string) {
	t.append(ctx, PerformanceSample{Stage: stage, DurationMs: ms(d), Outcome: outcome})
}

// RecordAttempt appends one source execution attempt
func (t *RequestTrace) RecordAttempt(ctx context.Context, source string, attempt int, d time.Duration, outcome string) {
	promSourceAttempts.WithLabelValues(source, outcome).Inc()
	t.append(ctx, PerformanceSample{
		Stage:      StageExecute,
		DurationMs: ms(d),
		Outcome:    outcome,
		Source:     source,
		Attempt:    attempt,
	})
}

func (t *RequestTrace) append(ctx context.Context, s PerformanceSample) {
	s.RequestID = t.requestID
	s.At = time.Now().UTC()
	promStageDuration.WithLabelValues(s.Stage).Observe(s.DurationMs)

	t.mu.Lock()
	t.samples = append(t.samples, s)
	t.mu.Unlock()

	if t.recorder.sink != nil {
		t.recorder.sink.Record(ctx, s)
	}
}

// Samples returns a copy of the samples so far
func (t *RequestTrace) Samples() []PerformanceSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PerformanceSample(nil), t.samples...)
}

// Count returns how many samples were recorded for stage
func (t *RequestTrace) Count(stage string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.samples {
		if s.Stage == stage {
			n++
		}
	}
	return n
}

// stageSuggestions is the advice attached when a stage dominates a slow
// request
var stageSuggestions = map[string]string{
	StageExecute:     "source execution dominates; consider a longer cache TTL or narrower filters",
	StageRecover:     "retries dominate; check source health and circuit breaker state",
	StageCacheLookup: "cache lookups are slow; check the shared cache backend",
	StageCacheWrite:  "cache writes are slow; check the shared cache backend",
	StageAggregate:   "aggregation dominates; reduce the result limit",
}

// Finish closes the trace with the request status and evaluates the SLA
func (t *RequestTrace) Finish(status string) Summary {
	total := time.Since(t.start)
	p := t.recorder
	p.requests.Add(1)
	p.observeTotal(total.Milliseconds())
	promRequestsTotal.WithLabelValues(status).Inc()

	summary := Summary{TotalMs: ms(total), Stages: make(map[string]float64)}
	for _, s := range t.Samples() {
		// per-source attempts overlap the execute stage that contains them
		if s.Source != "" {
			continue
		}
		summary.Stages[s.Stage] += s.DurationMs
	}

	if p.slaThreshold > 0 && total > p.slaThreshold {
		p.slaBreaches.Add(1)
		promSLABreaches.Inc()
		summary.SLABreach = true
		summary.Tags = []string{"sla_breach", "optimization_suggestion"}

		slowest, worst := "", -1.0
		for stage, d := range summary.Stages {
			if d > worst || (d == worst && stage < slowest) {
				slowest, worst = stage, d
			}
		}
		summary.Suggestion = stageSuggestions[slowest]
		if summary.Suggestion == "" {
			summary.Suggestion = "request exceeded its latency budget"
		}
	}
	return summary
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
