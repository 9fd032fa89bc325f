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
	"strconv"
	"strings"

	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

// VolatilityClass groups intents by how quickly their data changes
type VolatilityClass string

const (
	VolatilityHistorical    VolatilityClass = "historical"
	VolatilityStandard      VolatilityClass = "standard"
	VolatilityRealtimeCount VolatilityClass = "realtime_count"
)

// CachePolicy is the caching decision for one intent
type CachePolicy struct {
	Enabled             bool   `json:"enabled"`
	TTLSeconds          int    `json:"ttl_seconds"`
	StaleIfErrorSeconds int    `json:"stale_if_error_seconds"`
	Version             string `json:"version"`
}

// QueryStrategy orders the candidate sources for an intent
type QueryStrategy struct {
	PrimarySources    []base.SourceKind `json:"primary_sources"`
	FallbackSources   []base.SourceKind `json:"fallback_sources"`
	CachePolicy       CachePolicy       `json:"cache_policy"`
	OptimizationHints map[string]string `json:"optimization_hints"`
	Volatility        VolatilityClass   `json:"volatility"`
}

// StrategyPlanner is a pure decision table over the intent and static
// configuration
type StrategyPlanner struct {
	cfg *config.Config
}

// NewStrategyPlanner creates a planner
func NewStrategyPlanner(cfg *config.Config) *StrategyPlanner {
	return &StrategyPlanner{cfg: cfg}
}

// Plan chooses sources and cache policy. Rules are evaluated in order:
// realtime intents go to the stream with caching off, external metrics go to
// the API with the cache as last-known fallback, and everything else goes
// to SQL with the API as fallback when one is configured.
func (p *StrategyPlanner) Plan(intent *QueryIntent) (*QueryStrategy, error) {
	if intent == nil {
		return nil, &InvalidIntentError{Reason: "intent is nil"}
	}
	if !intent.Kind.valid() {
		return nil, &InvalidIntentError{Field: "kind", Reason: "unknown kind " + strconv.Quote(string(intent.Kind))}
	}
	if intent.Metric == "" || intent.Dimension == "" {
		return nil, &InvalidIntentError{Reason: "metric and dimension are required"}
	}

	volatility := p.volatility(intent)
	s := &QueryStrategy{
		Volatility: volatility,
		CachePolicy: CachePolicy{
			Enabled:             p.cfg.Cache.Enabled,
			TTLSeconds:          p.ttlFor(volatility),
			StaleIfErrorSeconds: p.cfg.Cache.StaleIfErrorSeconds,
			Version:             p.cfg.Cache.PolicyVersion,
		},
		OptimizationHints: p.hints(intent, volatility),
	}

	switch {
	case intent.Realtime:
		s.PrimarySources = []base.SourceKind{base.SourceStream}
		s.CachePolicy.Enabled = false
		if p.cfg.Sources.SQL.Enabled && p.catalog(intent.Metric).Table != "" {
			s.FallbackSources = []base.SourceKind{base.SourceSQL}
		}
	case p.cfg.IsExternalMetric(intent.Metric) || intent.ExternalSystem() != "":
		s.PrimarySources = []base.SourceKind{base.SourceAPI}
		// the cached last-known value is the fallback, so keep it longer
		if ext := p.cfg.Cache.ExternalStaleIfErrorSeconds; ext > s.CachePolicy.StaleIfErrorSeconds {
			s.CachePolicy.StaleIfErrorSeconds = ext
		}
	default:
		s.PrimarySources = []base.SourceKind{base.SourceSQL}
		if p.cfg.Sources.API.Enabled && p.catalog(intent.Metric).Resource != "" {
			s.FallbackSources = []base.SourceKind{base.SourceAPI}
		} else {
			s.OptimizationHints["mode"] = "cache_only_fallback"
		}
	}
	return s, nil
}

func (p *StrategyPlanner) catalog(metric string) config.MetricEntry {
	return p.cfg.Catalog.Metrics[metric]
}

// volatility derives the class from the dimension and metric names
func (p *StrategyPlanner) volatility(intent *QueryIntent) VolatilityClass {
	for _, suffix := range p.cfg.Catalog.RealtimeMetricSuffixes {
		if strings.HasSuffix(intent.Metric, suffix) {
			return VolatilityRealtimeCount
		}
	}
	for _, d := range p.cfg.Catalog.HistoricalDimensions {
		if strings.EqualFold(intent.Dimension, d) {
			return VolatilityHistorical
		}
	}
	for _, suffix := range p.cfg.Catalog.HistoricalMetricSuffixes {
		if strings.HasSuffix(intent.Metric, suffix) {
			return VolatilityHistorical
		}
	}
	return VolatilityStandard
}

func (p *StrategyPlanner) ttlFor(v VolatilityClass) int {
	switch v {
	case VolatilityHistorical:
		return p.cfg.Cache.TTL.Historical
	case VolatilityRealtimeCount:
		return p.cfg.Cache.TTL.RealtimeCount
	default:
		return p.cfg.Cache.TTL.Standard
	}
}

// hints are advisory; the optimizer and the response report them
func (p *StrategyPlanner) hints(intent *QueryIntent, v VolatilityClass) map[string]string {
	complexity := "low"
	if len(intent.Filters) > p.cfg.Complexity.FilterThreshold {
		complexity = "high"
	}
	for _, f := range intent.Filters {
		if list, ok := f.Value.([]interface{}); ok && len(list) > p.cfg.Complexity.InListThreshold {
			complexity = "high"
		}
	}
	if len(intent.Segments()) > 1 && complexity == "low" {
		complexity = "medium"
	}

	return map[string]string{
		"widget":     string(intent.Kind),
		"volatility": string(v),
		"complexity": complexity,
	}
}
