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
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HAK978/Query-Engine-Agent/cache"
	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
	"github.com/HAK978/Query-Engine-Agent/connectors/resilience"
	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

type requestIDKey struct{}

// ContextWithRequestID attaches the caller's request ID to ctx
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID set by ContextWithRequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Engine runs intents through the request state machine. It is safe for
// concurrent use: every request owns its state machine and trace, and the
// cache store, semaphore and breakers are the only shared state.
type Engine struct {
	cfg         *config.Config
	planner     *StrategyPlanner
	constructor *QueryConstructor
	optimizer   *QueryOptimizer
	validator   *SecurityValidator
	coordinator *ExecutionCoordinator
	recovery    *ErrorRecoveryController
	aggregator  *ResultAggregator
	recorder    *PerformanceRecorder

	store    *cache.Store
	adapters []base.SourceAdapter
	breakers *resilience.BreakerSet
	sink     SampleSink
	clock    func() time.Time
	log      *logger.Logger
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithCache injects the cache store. Without one every request bypasses
// the cache.
func WithCache(store *cache.Store) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

// WithAdapters registers the source adapters, at most one per kind
func WithAdapters(adapters ...base.SourceAdapter) EngineOption {
	return func(e *Engine) {
		e.adapters = append(e.adapters, adapters...)
	}
}

// WithSampleSink forwards every performance sample to sink
func WithSampleSink(sink SampleSink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithBreakers replaces the per-source circuit breakers
func WithBreakers(b *resilience.BreakerSet) EngineOption {
	return func(e *Engine) {
		e.breakers = b
	}
}

// WithClock sets the clock used for cache entry timestamps
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger replaces the engine logger
func WithLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// NewEngine wires every component from cfg
func NewEngine(cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		clock: time.Now,
		log:   logger.New("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = resilience.NewBreakerSet(cfg.Execution.CircuitMaxFailures,
			time.Duration(cfg.Execution.CircuitResetSeconds)*time.Second)
	}

	seen := make(map[base.SourceKind]bool)
	for _, a := range e.adapters {
		if seen[a.Kind()] {
			return nil, fmt.Errorf("duplicate adapter for source %q", a.Kind())
		}
		seen[a.Kind()] = true
	}

	backoff := resilience.NewBackoff(
		time.Duration(cfg.Execution.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Execution.BackoffCapMs)*time.Millisecond,
	)
	e.planner = NewStrategyPlanner(cfg)
	e.constructor = NewQueryConstructor(cfg)
	e.optimizer = NewQueryOptimizer(cfg.Widgets)
	e.validator = NewSecurityValidator(cfg.Security)
	e.coordinator = NewExecutionCoordinator(e.adapters, int64(cfg.Execution.MaxConcurrency), e.breakers)
	e.recovery = NewErrorRecoveryController(cfg.Execution.MaxRetries, backoff)
	e.aggregator = NewResultAggregator()
	e.recorder = NewPerformanceRecorder(e.sink, cfg.SLAThreshold())
	return e, nil
}

// AgentID is the agent_id reported in every envelope
func (e *Engine) AgentID() string {
	return e.cfg.AgentID
}

// Recorder exposes the performance recorder
func (e *Engine) Recorder() *PerformanceRecorder {
	return e.recorder
}

// cachedResult is what a cache entry holds
type cachedResult struct {
	Data          *AggregatedData `json:"data"`
	Optimizations []string        `json:"optimizations"`
	Queries       []ExecutedQuery `json:"queries"`
}

// requestRun is the per-request working set
type requestRun struct {
	id        string
	principal Principal
	intent    *QueryIntent
	strategy  *QueryStrategy
	key       string
	fsm       *stateMachine
	trace     *RequestTrace

	optimizations []string
	replaced      []ExecutedQuery
	result        *cachedResult
}

// fork copies the run for a single-flight body, with its own state machine
func (r *requestRun) fork() *requestRun {
	c := *r
	c.fsm = r.fsm.clone()
	return &c
}

// Query answers one intent. On failure the error is a *QueryError that
// carries stale fallback data when some exists.
func (e *Engine) Query(ctx context.Context, req *IntentRequest, principal Principal) (*SuccessResponse, error) {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout())
	defer cancel()

	run := &requestRun{
		id:        requestID,
		principal: principal,
		fsm:       newStateMachine(),
		trace:     e.recorder.Begin(requestID),
	}

	resp, err := e.query(ctx, run, req)
	if err == nil {
		return resp, nil
	}

	run.fsm.fail()
	summary := run.trace.Finish(StatusError)

	qe := &QueryError{RequestID: requestID, Cause: err}
	var shared *QueryError
	if errors.As(err, &shared) {
		qe.Cause, qe.Fallback = shared.Cause, shared.Fallback
	}
	if qe.Fallback == nil {
		qe.Fallback = e.fallbackData(ctx, run, qe.Cause)
	}

	info := describeError(qe.Cause)
	e.log.ErrorWithCode(requestID, "query failed", info.Code, qe.Cause, map[string]interface{}{
		"state_path":    run.fsm.Path(),
		"total_ms":      summary.TotalMs,
		"fallback_data": qe.Fallback != nil,
	})
	return nil, qe
}

func (e *Engine) query(ctx context.Context, run *requestRun, req *IntentRequest) (*SuccessResponse, error) {
	if req == nil {
		return nil, &InvalidIntentError{Reason: "request body is required"}
	}

	start := time.Now()
	intent, err := req.Validate()
	if err != nil {
		run.trace.Record(ctx, StagePlan, time.Since(start), "invalid")
		return nil, err
	}
	strategy, err := e.planner.Plan(intent)
	run.trace.Record(ctx, StagePlan, time.Since(start), outcomeOf(err))
	if err != nil {
		return nil, err
	}
	run.intent, run.strategy = intent, strategy

	if err := run.fsm.transition(StatePlanned); err != nil {
		return nil, err
	}
	if err := run.fsm.transition(StateCacheCheck); err != nil {
		return nil, err
	}

	if !e.cacheable(strategy) {
		e.recorder.RecordCacheLookup(CacheBypass)
		result, err := e.execute(ctx, run)
		if err != nil {
			return nil, err
		}
		if err := run.fsm.transition(StateCacheWrite); err != nil {
			return nil, err
		}
		run.trace.Record(ctx, StageCacheWrite, 0, CacheBypass)
		return e.finish(ctx, run, result, CacheBypass, result.Queries)
	}

	run.key = CacheKey(intent, strategy.CachePolicy.Version, e.validator.Scope(run.principal))
	lookupStart := time.Now()

	// the flight owns its copy of the run until compute returns; this
	// request may stop waiting before then
	flight := run.fork()
	var computed, settled atomic.Bool
	entry, shared, err := e.store.SingleFlightGet(ctx, run.key, func(ctx context.Context) (*cache.Entry, error) {
		computed.Store(true)
		defer settled.Store(true)
		flight.trace.Record(ctx, StageCacheLookup, time.Since(lookupStart), CacheMiss)
		return e.compute(ctx, flight)
	})
	if computed.Load() && settled.Load() {
		*run = *flight
	}

	status := CacheHit
	switch {
	case computed.Load():
		status = CacheMiss
	case shared:
		status = CacheShared
	}
	e.recorder.RecordCacheLookup(status)
	if err != nil {
		if errors.Is(err, cache.ErrWaitAbandoned) {
			return nil, base.NewSourceError(string(base.SourceCache), base.KindSourceTimeout, "request ended while waiting for a shared computation", err)
		}
		return nil, err
	}
	if computed.Load() {
		return e.finish(ctx, run, run.result, status, run.result.Queries)
	}

	run.trace.Record(ctx, StageCacheLookup, time.Since(lookupStart), status)
	if err := run.fsm.transition(StateFormat); err != nil {
		return nil, err
	}
	result, err := decodeCached(entry.Value)
	if err != nil {
		return nil, err
	}

	queries := result.Queries
	if status == CacheHit {
		// nothing ran for this request
		result.Data.DataSource = DataSourceCache
		result.Data.FreshnessSeconds = int(entry.Age(e.clock()) / time.Second)
		queries = []ExecutedQuery{}
	}
	return e.finish(ctx, run, result, status, queries)
}

func (e *Engine) cacheable(strategy *QueryStrategy) bool {
	return e.store != nil && strategy.CachePolicy.Enabled
}

// compute is the single-flight body for a cache miss: it runs the pipeline
// and writes the result when it is live and complete
func (e *Engine) compute(ctx context.Context, run *requestRun) (*cache.Entry, error) {
	// source data is read after this point; an invalidation that lands
	// while the pipeline runs must still reject the entry
	startedAt := e.clock()
	if err := run.fsm.transition(StateConstructed); err != nil {
		return nil, err
	}
	result, err := e.execute(ctx, run)
	if err != nil {
		return nil, err
	}
	run.result = result

	if err := run.fsm.transition(StateCacheWrite); err != nil {
		return nil, err
	}
	value, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	policy := run.strategy.CachePolicy
	entry := &cache.Entry{
		Key:                 run.key,
		Value:               value,
		CreatedAt:           startedAt,
		TTLSeconds:          policy.TTLSeconds,
		StaleIfErrorSeconds: policy.StaleIfErrorSeconds,
		Tags:                cacheTags(run.intent, result.Data),
	}

	if result.Data.DataSource != DataSourceLive || result.Data.Degraded {
		run.trace.Record(ctx, StageCacheWrite, 0, "skipped")
		return entry, nil
	}

	start := time.Now()
	err = e.store.SetAt(ctx, run.key, value, startedAt,
		time.Duration(policy.TTLSeconds)*time.Second,
		entry.Tags,
		time.Duration(policy.StaleIfErrorSeconds)*time.Second)
	outcome := "ok"
	if err != nil {
		// a failed write never fails the request
		outcome = "error"
		e.log.Warn(run.id, "cache write failed", map[string]interface{}{"error": err.Error()})
	}
	run.trace.Record(ctx, StageCacheWrite, time.Since(start), outcome)
	return entry, nil
}

// execute runs CONSTRUCTED through AGGREGATED. The caller has already
// entered CONSTRUCTED.
func (e *Engine) execute(ctx context.Context, run *requestRun) (*cachedResult, error) {
	if run.fsm.Current() != StateConstructed {
		if err := run.fsm.transition(StateConstructed); err != nil {
			return nil, err
		}
	}
	plan, err := e.buildPlan(ctx, run, run.strategy.PrimarySources)
	if err != nil {
		return nil, err
	}
	if err := run.fsm.transition(StateExecuting); err != nil {
		return nil, err
	}
	report := e.runEntries(ctx, run, plan)

	st := NewRecoveryState(run.strategy.FallbackSources, e.staleLookup(run))
	var stale *cache.Entry
	var staleCause error

recovery:
	for len(report.Failures()) > 0 {
		if err := run.fsm.transition(StateRecovering); err != nil {
			return nil, err
		}
		start := time.Now()
		step := e.recovery.Decide(ctx, plan, report, st)
		run.trace.Record(ctx, StageRecover, time.Since(start), step.Action.String())
		e.log.Info(run.id, "recovery decision", map[string]interface{}{
			"action":   step.Action.String(),
			"failures": len(report.Failures()),
		})

		switch step.Action {
		case ActionRetry:
			if err := run.fsm.transition(StateExecuting); err != nil {
				return nil, err
			}
			if err := e.recovery.Wait(ctx, step.Delay); err != nil {
				// the deadline passed while waiting; the next decision
				// sees it and skips further retries
				continue
			}
			e.retryEntries(ctx, run, plan, report, step.Retry)

		case ActionFallback:
			if err := run.fsm.transition(StateConstructed); err != nil {
				return nil, err
			}
			fb, err := e.buildPlan(ctx, run, []base.SourceKind{step.Fallback})
			if err != nil {
				return nil, err
			}
			if err := run.fsm.transition(StateExecuting); err != nil {
				return nil, err
			}
			plan, report = e.substitute(ctx, run, plan, report, fb, step.Replace)

		case ActionDegrade:
			break recovery

		case ActionStale:
			stale, staleCause = step.Stale, step.Err
			break recovery

		default:
			if step.Err == nil {
				return nil, errors.New("recovery failed without a cause")
			}
			return nil, step.Err
		}
	}

	if err := run.fsm.transition(StateAggregated); err != nil {
		return nil, err
	}
	if stale != nil {
		return e.staleResult(run, plan, report, stale, staleCause)
	}

	start := time.Now()
	data, err := e.aggregator.Aggregate(report, plan, run.intent)
	run.trace.Record(ctx, StageAggregate, time.Since(start), outcomeOf(err))
	if err != nil {
		return nil, err
	}
	return &cachedResult{
		Data:          data,
		Optimizations: nonNil(run.optimizations),
		Queries:       e.executedQueries(run, plan, report),
	}, nil
}

// buildPlan runs CONSTRUCTED -> OPTIMIZED -> SECURED for the given source
// kinds. The caller has already entered CONSTRUCTED.
func (e *Engine) buildPlan(ctx context.Context, run *requestRun, kinds []base.SourceKind) (*QueryPlan, error) {
	start := time.Now()
	plan, err := e.constructor.Construct(run.intent, run.strategy, kinds)
	run.trace.Record(ctx, StageConstruct, time.Since(start), outcomeOf(err))
	if err != nil {
		return nil, err
	}

	if err := run.fsm.transition(StateOptimized); err != nil {
		return nil, err
	}
	start = time.Now()
	plan, applied := e.optimizer.Optimize(plan, run.intent)
	run.trace.Record(ctx, StageOptimize, time.Since(start), "ok")
	run.optimizations = appendUnique(run.optimizations, applied...)

	if err := run.fsm.transition(StateSecured); err != nil {
		return nil, err
	}
	start = time.Now()
	secured, err := e.validator.Validate(ctx, plan, run.principal)
	run.trace.Record(ctx, StageSecure, time.Since(start), outcomeOf(err))
	if err != nil {
		e.log.Warn(run.id, "plan rejected by security validator", map[string]interface{}{
			"error": base.SanitizeLogString(err.Error()),
		})
		return nil, err
	}
	return secured, nil
}

// runEntries executes a plan and records one attempt sample per entry
func (e *Engine) runEntries(ctx context.Context, run *requestRun, plan *QueryPlan) *ExecutionReport {
	start := time.Now()
	report := e.coordinator.Execute(ctx, plan)
	outcome := "ok"
	if len(report.Failures()) > 0 {
		outcome = "partial_failure"
	}
	run.trace.Record(ctx, StageExecute, time.Since(start), outcome)
	for i := range report.Results {
		e.recordAttempt(ctx, run, &report.Results[i])
	}
	return report
}

// retryEntries re-executes the listed results with their unchanged
// payloads. Serial adapters stay serial because the coordinator schedules
// the retry batch.
func (e *Engine) retryEntries(ctx context.Context, run *requestRun, plan *QueryPlan, report *ExecutionReport, idxs []int) {
	sub := &QueryPlan{Entries: make([]PlanEntry, len(idxs))}
	for j, i := range idxs {
		sub.Entries[j] = plan.Entries[i]
	}
	start := time.Now()
	retried := e.coordinator.Execute(ctx, sub)
	run.trace.Record(ctx, StageExecute, time.Since(start), "retry")

	for j, i := range idxs {
		r := retried.Results[j]
		r.Attempts = report.Results[i].Attempts + 1
		report.Results[i] = r
		e.recordAttempt(ctx, run, &report.Results[i])
	}
	report.recompute(plan)
}

// substitute swaps the failed required entries for the fallback plan's
// required entries, executes them and returns the combined plan and report
func (e *Engine) substitute(ctx context.Context, run *requestRun, plan *QueryPlan, report *ExecutionReport, fb *QueryPlan, replace []int) (*QueryPlan, *ExecutionReport) {
	sub := &QueryPlan{}
	for _, entry := range fb.Entries {
		if entry.Required {
			sub.Entries = append(sub.Entries, entry)
		}
	}
	subReport := e.runEntries(ctx, run, sub)

	replaced := make(map[int]bool, len(replace))
	for _, i := range replace {
		replaced[i] = true
	}

	next := &QueryPlan{Skipped: plan.Skipped}
	nextReport := &ExecutionReport{}
	inserted := false
	for i := range plan.Entries {
		if !replaced[i] {
			next.Entries = append(next.Entries, plan.Entries[i])
			nextReport.Results = append(nextReport.Results, report.Results[i])
			continue
		}
		run.replaced = append(run.replaced, executedQuery(&plan.Entries[i], &report.Results[i], "replaced"))
		if !inserted {
			next.Entries = append(next.Entries, sub.Entries...)
			nextReport.Results = append(nextReport.Results, subReport.Results...)
			inserted = true
		}
	}
	nextReport.recompute(next)
	return next, nextReport
}

func (e *Engine) recordAttempt(ctx context.Context, run *requestRun, r *ExecutionResult) {
	outcome := "ok"
	if r.Err != nil {
		outcome = string(r.Err.Kind)
	}
	run.trace.RecordAttempt(ctx, string(r.SourceKind), r.Attempts,
		time.Duration(r.TimingMs*float64(time.Millisecond)), outcome)
}

// staleLookup returns the stale-if-error reader for the request, or nil
// when the request is not cached
func (e *Engine) staleLookup(run *requestRun) StaleLookup {
	if run.key == "" || e.store == nil || run.strategy.CachePolicy.StaleIfErrorSeconds <= 0 {
		return nil
	}
	key := run.key
	return func(ctx context.Context) (*cache.Entry, error) {
		return e.store.GetStale(ctx, key)
	}
}

// staleResult serves a stale entry as a degraded success
func (e *Engine) staleResult(run *requestRun, plan *QueryPlan, report *ExecutionReport, stale *cache.Entry, cause error) (*cachedResult, error) {
	result, err := decodeCached(stale.Value)
	if err != nil {
		if cause != nil {
			return nil, cause
		}
		return nil, err
	}
	e.recorder.RecordCacheLookup(CacheStale)

	age := stale.Age(e.clock())
	result.Data.Degraded = true
	result.Data.DataSource = DataSourceCachedFallback
	result.Data.FreshnessSeconds = int(age / time.Second)
	result.Queries = e.executedQueries(run, plan, report)

	e.log.Warn(run.id, "serving stale cache entry after source failure", map[string]interface{}{
		"age_seconds": result.Data.FreshnessSeconds,
		"cause":       fmt.Sprint(cause),
	})
	return result, nil
}

// fallbackData looks for a stale entry to attach to an error response.
// Rejected or malformed requests never get one.
func (e *Engine) fallbackData(ctx context.Context, run *requestRun, cause error) *ResponseData {
	var (
		violation *SecurityViolation
		invalid   *InvalidIntentError
	)
	if errors.As(cause, &violation) || errors.As(cause, &invalid) {
		return nil
	}
	lookup := e.staleLookup(run)
	if lookup == nil {
		return nil
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
		defer cancel()
	}
	entry, err := lookup(ctx)
	if err != nil {
		return nil
	}
	result, err := decodeCached(entry.Value)
	if err != nil {
		return nil
	}
	result.Data.Degraded = true
	result.Data.DataSource = DataSourceCachedFallback
	result.Data.FreshnessSeconds = int(entry.Age(e.clock()) / time.Second)
	return newResponseData(result.Data)
}

// finish runs MONITORED -> DONE and builds the success envelope
func (e *Engine) finish(ctx context.Context, run *requestRun, result *cachedResult, cacheStatus string, queries []ExecutedQuery) (*SuccessResponse, error) {
	if err := run.fsm.transition(StateMonitored); err != nil {
		return nil, err
	}
	summary := run.trace.Finish(StatusSuccess)
	if err := run.fsm.transition(StateDone); err != nil {
		return nil, err
	}

	data := newResponseData(result.Data)
	data.Metadata.Tags = summary.Tags

	fields := map[string]interface{}{
		"metric":       run.intent.Metric,
		"cache":        cacheStatus,
		"data_source":  data.Metadata.DataSource,
		"degraded":     data.Metadata.Degraded,
		"record_count": len(data.Records),
	}
	if summary.SLABreach {
		fields["suggestion"] = summary.Suggestion
		e.log.Warn(run.id, "request exceeded SLA threshold", fields)
	} else {
		e.log.InfoWithDuration(run.id, "query completed", summary.TotalMs, fields)
	}

	policy := run.strategy.CachePolicy
	return &SuccessResponse{
		AgentID:   e.cfg.AgentID,
		RequestID: run.id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      *data,
		QueryInfo: QueryInfo{
			ExecutedQueries:     nonNilQueries(queries),
			OptimizationApplied: nonNil(result.Optimizations),
			CacheStrategy: CacheStrategy{
				Status:     cacheStatus,
				Enabled:    e.cacheable(run.strategy),
				TTLSeconds: policy.TTLSeconds,
				Volatility: string(run.strategy.Volatility),
				Version:    policy.Version,
			},
		},
		Performance: PerformanceInfo{
			Summary:       summary,
			CacheHitRatio: e.recorder.HitRatio(),
			StatePath:     run.fsm.Path(),
		},
		Status: StatusSuccess,
	}, nil
}

// Invalidate drops every cached result carrying tag
func (e *Engine) Invalidate(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, &InvalidIntentError{Field: "tag", Reason: "is required"}
	}
	if e.store == nil {
		return 0, nil
	}
	return e.store.Invalidate(ctx, tag)
}

// EngineStats is the JSON body of /metrics
type EngineStats struct {
	Requests RecorderSnapshot  `json:"requests"`
	Cache    *cache.Stats      `json:"cache,omitempty"`
	Breakers map[string]string `json:"circuit_breakers"`
}

// Stats snapshots recorder, cache and breaker state
func (e *Engine) Stats() EngineStats {
	st := EngineStats{
		Requests: e.recorder.Snapshot(),
		Breakers: e.coordinator.BreakerStates(),
	}
	if e.store != nil {
		cs := e.store.Stats()
		st.Cache = &cs
	}
	return st
}

// Health checks every adapter. The engine is healthy when each source is.
func (e *Engine) Health(ctx context.Context) (bool, map[string]*base.HealthStatus) {
	out := make(map[string]*base.HealthStatus)
	healthy := true
	for _, a := range e.coordinator.Adapters() {
		status, err := a.HealthCheck(ctx)
		if err != nil || status == nil {
			status = &base.HealthStatus{Timestamp: time.Now()}
			if err != nil {
				status.Error = err.Error()
			}
		}
		if !status.Healthy {
			healthy = false
		}
		out[a.Name()] = status
	}
	return healthy, out
}

// Close releases the adapters. The cache store and sink belong to the
// caller.
func (e *Engine) Close() error {
	var errs []error
	for _, a := range e.coordinator.Adapters() {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) executedQueries(run *requestRun, plan *QueryPlan, report *ExecutionReport) []ExecutedQuery {
	out := append([]ExecutedQuery{}, run.replaced...)
	for i := range plan.Entries {
		if i >= len(report.Results) || report.Results[i].EntryID == "" {
			out = append(out, ExecutedQuery{
				EntryID:  plan.Entries[i].ID,
				Source:   plan.Entries[i].SourceKind,
				Query:    plan.Entries[i].Payload.Describe(),
				Required: plan.Entries[i].Required,
				Status:   "not_run",
			})
			continue
		}
		status := "ok"
		if !report.Results[i].OK() {
			status = "failed"
		}
		out = append(out, executedQuery(&plan.Entries[i], &report.Results[i], status))
	}
	return out
}

func executedQuery(entry *PlanEntry, r *ExecutionResult, status string) ExecutedQuery {
	q := ExecutedQuery{
		EntryID:  entry.ID,
		Source:   entry.SourceKind,
		Query:    entry.Payload.Describe(),
		Required: entry.Required,
		Status:   status,
		Attempts: r.Attempts,
		TimingMs: r.TimingMs,
	}
	if r.Err != nil {
		q.Error = string(r.Err.Kind)
	}
	return q
}

// cacheTags lists the tags a result is invalidated by
func cacheTags(intent *QueryIntent, data *AggregatedData) []string {
	tags := []string{"metric:" + intent.Metric, "dimension:" + intent.Dimension}
	if other := intent.CompareTo(); other != "" {
		tags = append(tags, "metric:"+other)
	}
	for _, kind := range data.SourcesUsed {
		tags = append(tags, "source:"+string(kind))
	}
	return tags
}

func decodeCached(value []byte) (*cachedResult, error) {
	var result cachedResult
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	if result.Data == nil {
		return nil, errors.New("cached result has no data")
	}
	return &result, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, have := range list {
			if have == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilQueries(q []ExecutedQuery) []ExecutedQuery {
	if q == nil {
		return []ExecutedQuery{}
	}
	return q
}
