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
	"errors"
	"time"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ResponseMetadata marks how the records were obtained. A degraded result
// is never presented as fresh.
type ResponseMetadata struct {
	Degraded    bool              `json:"degraded"`
	DataSource  string            `json:"data_source"`
	Freshness   int               `json:"freshness"`
	SourcesUsed []base.SourceKind `json:"sources_used"`
	Tags        []string          `json:"tags,omitempty"`
	Dropped     []string          `json:"dropped_entries,omitempty"`
}

// ResponseData is the data block of both envelopes
type ResponseData struct {
	Records  []base.Row       `json:"records"`
	Schema   []FieldSchema    `json:"schema"`
	Metadata ResponseMetadata `json:"metadata"`
}

// newResponseData copies aggregated data into its wire form
func newResponseData(data *AggregatedData) *ResponseData {
	records := data.Records
	if records == nil {
		records = []base.Row{}
	}
	schema := data.Schema
	if schema == nil {
		schema = []FieldSchema{}
	}
	sources := data.SourcesUsed
	if sources == nil {
		sources = []base.SourceKind{}
	}
	return &ResponseData{
		Records: records,
		Schema:  schema,
		Metadata: ResponseMetadata{
			Degraded:    data.Degraded,
			DataSource:  data.DataSource,
			Freshness:   data.FreshnessSeconds,
			SourcesUsed: sources,
			Dropped:     data.Dropped,
		},
	}
}

// ExecutedQuery describes one plan entry as it was run. Query never
// contains literal values.
type ExecutedQuery struct {
	EntryID  string          `json:"entry_id"`
	Source   base.SourceKind `json:"source"`
	Query    string          `json:"query"`
	Required bool            `json:"required"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	TimingMs float64         `json:"timing_ms"`
	Error    string          `json:"error,omitempty"`
}

// CacheStrategy reports the cache decision for the request
type CacheStrategy struct {
	Status     string `json:"status"`
	Enabled    bool   `json:"enabled"`
	TTLSeconds int    `json:"ttl_seconds"`
	Volatility string `json:"volatility"`
	Version    string `json:"policy_version,omitempty"`
}

// QueryInfo is the query_info block of the success envelope
type QueryInfo struct {
	ExecutedQueries     []ExecutedQuery `json:"executed_queries"`
	OptimizationApplied []string        `json:"optimization_applied"`
	CacheStrategy       CacheStrategy   `json:"cache_strategy"`
}

// PerformanceInfo is the performance block of the success envelope
type PerformanceInfo struct {
	Summary
	CacheHitRatio float64 `json:"cache_hit_ratio"`
	StatePath     []State `json:"state_path"`
}

// SuccessResponse is the success envelope
type SuccessResponse struct {
	AgentID     string          `json:"agent_id"`
	RequestID   string          `json:"request_id"`
	Timestamp   string          `json:"timestamp"`
	Data        ResponseData    `json:"data"`
	QueryInfo   QueryInfo       `json:"query_info"`
	Performance PerformanceInfo `json:"performance"`
	Status      string          `json:"status"`
}

// ErrorDetail is the error block of the error envelope
type ErrorDetail struct {
	ErrorType      ErrorType `json:"error_type"`
	ErrorCode      string    `json:"error_code"`
	Message        string    `json:"message"`
	RecoveryAction string    `json:"recovery_action"`
	UserMessage    string    `json:"user_message"`
}

// ErrorResponse is the error envelope
type ErrorResponse struct {
	AgentID      string        `json:"agent_id"`
	RequestID    string        `json:"request_id,omitempty"`
	Timestamp    string        `json:"timestamp"`
	Status       string        `json:"status"`
	Error        ErrorDetail   `json:"error"`
	FallbackData *ResponseData `json:"fallback_data"`
}

// NewErrorResponse builds the error envelope for err. A *QueryError
// contributes its request ID and fallback data.
func NewErrorResponse(agentID string, err error) (*ErrorResponse, int) {
	info := describeError(err)
	resp := &ErrorResponse{
		AgentID:   agentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    StatusError,
		Error: ErrorDetail{
			ErrorType:      info.Type,
			ErrorCode:      info.Code,
			Message:        err.Error(),
			RecoveryAction: info.RecoveryAction,
			UserMessage:    info.UserMessage,
		},
	}

	var qe *QueryError
	if errors.As(err, &qe) {
		resp.RequestID = qe.RequestID
		resp.FallbackData = qe.Fallback
	}
	return resp, info.HTTPStatus
}
