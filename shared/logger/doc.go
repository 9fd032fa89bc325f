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
Package logger provides structured JSON logging for the query engine
components.

# Overview

Every log line is a single JSON object on stdout, so the output can be
shipped to CloudWatch, Loki or ELK without a parsing step. Each entry holds:
  - Timestamp (RFC3339Nano)
  - Level (DEBUG, INFO, WARN, ERROR)
  - Component name (planner, cache, coordinator, ...)
  - Instance ID and container name
  - Request ID for correlating one intent across stages
  - Custom fields

# Usage

	log := logger.New("coordinator")
	log.Info("req-456", "entry executed", map[string]interface{}{
	    "source": "sql",
	    "rows":   12,
	})

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("req-456", "request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Environment Variables

  - INSTANCE_ID: deployment instance identifier
  - LOG_LEVEL: minimum level emitted (default INFO)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
