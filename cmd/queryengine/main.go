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

// Package main is the entry point for the query engine service.
//
// The query engine answers dashboard intents (chart, table, kpi) from SQL,
// HTTP API and streaming sources behind a two-level cache:
// - Plans sources and cache policy per intent
// - Validates every source query against allow-lists and row policies
// - Retries, falls back and serves stale data when sources fail
// - Records per-stage latency and flags SLA breaches
//
// Usage:
//
//	./queryengine
//
// Environment Variables:
//
//	QE_CONFIG_FILE - YAML configuration file (optional)
//	PORT - HTTP server port (default: 8090)
//	DATABASE_URL - SQL source connection string
//	DATABASE_DRIVER - postgres or mysql (default: postgres)
//	REDIS_URL - shared cache (optional)
//	API_BASE_URL - external metrics API (optional)
//	STREAM_URL - realtime websocket feed (optional)
//	AUDIT_DATABASE_URL - PostgreSQL database for performance samples (optional)
package main

import (
	"github.com/HAK978/Query-Engine-Agent/orchestrator"
)

func main() {
	orchestrator.Run()
}
