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

/*
Package orchestrator provides the query engine: it turns a dashboard intent
into source queries, serves them through a two-level cache and returns a
single JSON envelope.

# Overview

Every request runs through a fixed state machine:

	INIT → PLANNED → CACHE_CHECK → FORMAT → MONITORED → DONE           (cache hit)
	INIT → PLANNED → CACHE_CHECK → CONSTRUCTED → OPTIMIZED → SECURED
	     → EXECUTING ⇄ RECOVERING → AGGREGATED → CACHE_WRITE → MONITORED → DONE

Any non-terminal state may move to ERROR. RECOVERING loops back to
EXECUTING for a retry or to CONSTRUCTED for a fallback source.

# Components

  - StrategyPlanner picks primary and fallback sources and the cache policy
  - QueryConstructor builds one plan entry per source, segment and comparison
  - QueryOptimizer injects limits, pushes predicates down and merges entries
  - SecurityValidator enforces allow-lists and injects row-level policies
  - ExecutionCoordinator fans entries out under a process-wide semaphore
  - ErrorRecoveryController chooses retry, fallback, degrade, stale or fatal
  - ResultAggregator merges rows and infers a schema
  - PerformanceRecorder times stages and flags SLA breaches

# Caching

Cache keys hash the canonical intent with the cache policy version and the
caller's row-policy scope. Concurrent misses on one key share a single
computation. Only live, complete results are written; a stale entry inside
its stale-if-error window can still be served, marked degraded, when every
source for a required entry has failed.

# HTTP API

	POST /api/v1/query             - answer an intent
	POST /api/v1/cache/invalidate  - drop cached results by tag
	GET  /health                   - source health
	GET  /metrics                  - JSON counters and latency percentiles
	GET  /prometheus               - Prometheus exposition

# Usage

	// Start the service; configuration comes from QE_CONFIG_FILE and the
	// environment (PORT, DATABASE_URL, REDIS_URL, API_BASE_URL, STREAM_URL)
	orchestrator.Run()

	// Or embed the engine
	engine, err := orchestrator.NewEngine(cfg, orchestrator.WithAdapters(sqlAdapter))
	resp, err := engine.Query(ctx, &orchestrator.IntentRequest{Metric: "burnout_risk_score", Dimension: "department"}, principal)

# Metrics

  - queryengine_requests_total - requests by status
  - queryengine_stage_duration_milliseconds - per-stage latency
  - queryengine_cache_lookups_total - cache lookups by result
  - queryengine_source_attempts_total - adapter calls by source and outcome
  - queryengine_sla_breaches_total - requests over the SLA threshold
*/
package orchestrator
