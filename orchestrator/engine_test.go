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
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAK978/Query-Engine-Agent/cache"
	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

var (
	missPath = []State{
		StateInit, StatePlanned, StateCacheCheck, StateConstructed, StateOptimized, StateSecured,
		StateExecuting, StateAggregated, StateCacheWrite, StateMonitored, StateDone,
	}
	hitPath = []State{StateInit, StatePlanned, StateCacheCheck, StateFormat, StateMonitored, StateDone}
)

func TestEngine_CacheMissThenHit(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	env := newTestEnv(t, testConfig(), sql)
	ctx := context.Background()

	first, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, "query-engine", first.AgentID)
	assert.NotEmpty(t, first.RequestID)
	assert.Equal(t, CacheMiss, first.QueryInfo.CacheStrategy.Status)
	assert.Equal(t, 300, first.QueryInfo.CacheStrategy.TTLSeconds)
	assert.Equal(t, string(VolatilityStandard), first.QueryInfo.CacheStrategy.Volatility)
	assert.Equal(t, DataSourceLive, first.Data.Metadata.DataSource)
	assert.False(t, first.Data.Metadata.Degraded)
	assert.Equal(t, []base.SourceKind{base.SourceSQL}, first.Data.Metadata.SourcesUsed)
	assert.Len(t, first.Data.Records, 2)
	assert.Equal(t, missPath, first.Performance.StatePath)
	assert.Equal(t, []string{PassLimitInjection}, first.QueryInfo.OptimizationApplied)

	require.Len(t, first.QueryInfo.ExecutedQueries, 1)
	q := first.QueryInfo.ExecutedQueries[0]
	assert.Equal(t, "sql:burnout_risk_score", q.EntryID)
	assert.Equal(t, "ok", q.Status)
	assert.Equal(t, 1, q.Attempts)

	payloads := sql.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, "employee_metrics", payloads[0].Target)
	assert.Equal(t, 500, payloads[0].Limit)

	// a fresh entry is served without touching the source
	env.clock.Advance(10 * time.Second)
	second, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, 1, sql.Calls())
	assert.Equal(t, CacheHit, second.QueryInfo.CacheStrategy.Status)
	assert.Equal(t, DataSourceCache, second.Data.Metadata.DataSource)
	assert.Equal(t, 10, second.Data.Metadata.Freshness)
	assert.Empty(t, second.QueryInfo.ExecutedQueries)
	assert.NotNil(t, second.QueryInfo.ExecutedQueries)
	assert.Equal(t, hitPath, second.Performance.StatePath)
	assert.Equal(t, first.Data.Records, second.Data.Records)
	assert.InDelta(t, 0.5, second.Performance.CacheHitRatio, 1e-9)
}

func TestEngine_EquivalentIntentsShareEntry(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	env := newTestEnv(t, testConfig(), sql)
	ctx := context.Background()

	a := chartRequest()
	a.Filters = FilterList{
		{Field: "month", Op: "=", Value: "2025-02"},
		{Field: "department", Op: "in", Value: []interface{}{"sales", "engineering"}},
	}
	b := chartRequest()
	b.Chart, b.Kind = "chart", ""
	b.Filters = FilterList{
		{Field: "department", Op: "in", Value: []interface{}{"engineering", "sales"}},
		{Field: "month", Op: "eq", Value: "2025-02"},
	}

	_, err := env.engine.Query(ctx, a, Principal{})
	require.NoError(t, err)
	resp, err := env.engine.Query(ctx, b, Principal{})
	require.NoError(t, err)

	assert.Equal(t, CacheHit, resp.QueryInfo.CacheStrategy.Status)
	assert.Equal(t, 1, sql.Calls())
}

func TestEngine_RetryAfterTimeout(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, func(call int, _ *base.Payload) ([]base.Row, error) {
		if call <= 2 {
			return nil, base.NewSourceError("sql", base.KindSourceTimeout, "statement timeout", nil)
		}
		return burnoutRows(), nil
	})
	sink := &collectSink{}
	clock := newTestClock()
	store := cache.NewStore(cache.WithClock(clock.Now), cache.WithLogger(quietLogger()))
	engine, err := NewEngine(testConfig(),
		WithCache(store),
		WithAdapters(sql),
		WithSampleSink(sink),
		WithClock(clock.Now),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	resp, err := engine.Query(context.Background(), chartRequest(), Principal{})
	require.NoError(t, err)

	assert.Equal(t, 3, sql.Calls())
	assert.False(t, resp.Data.Metadata.Degraded)
	assert.Equal(t, DataSourceLive, resp.Data.Metadata.DataSource)
	require.Len(t, resp.QueryInfo.ExecutedQueries, 1)
	assert.Equal(t, 3, resp.QueryInfo.ExecutedQueries[0].Attempts)
	assert.Equal(t, "ok", resp.QueryInfo.ExecutedQueries[0].Status)
	assert.Equal(t, []State{
		StateInit, StatePlanned, StateCacheCheck, StateConstructed, StateOptimized, StateSecured,
		StateExecuting, StateRecovering, StateExecuting, StateRecovering, StateExecuting,
		StateAggregated, StateCacheWrite, StateMonitored, StateDone,
	}, resp.Performance.StatePath)
	assert.Contains(t, resp.Performance.Stages, StageRecover)

	var attempts []PerformanceSample
	for _, s := range sink.Samples() {
		if s.Source == string(base.SourceSQL) {
			attempts = append(attempts, s)
		}
	}
	require.Len(t, attempts, 3)
	for i, s := range attempts {
		assert.Equal(t, i+1, s.Attempt)
	}
	assert.Equal(t, string(base.KindSourceTimeout), attempts[0].Outcome)
	assert.Equal(t, "ok", attempts[2].Outcome)
}

func TestEngine_StaleEntryServedAfterFailure(t *testing.T) {
	var failing atomic.Bool
	sql := newFakeAdapter(base.SourceSQL, func(int, *base.Payload) ([]base.Row, error) {
		if failing.Load() {
			return nil, base.NewSourceError("sql", base.KindSourceTimeout, "statement timeout", nil)
		}
		return burnoutRows(), nil
	})
	env := newTestEnv(t, testConfig(), sql)
	ctx := context.Background()

	_, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)

	// past the 300s TTL, inside the 600s stale-if-error window
	env.clock.Advance(400 * time.Second)
	failing.Store(true)

	resp, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, resp.Data.Metadata.Degraded)
	assert.Equal(t, DataSourceCachedFallback, resp.Data.Metadata.DataSource)
	assert.Equal(t, 400, resp.Data.Metadata.Freshness)
	assert.Len(t, resp.Data.Records, 2)
	// one attempt plus two retries
	assert.Equal(t, 4, sql.Calls())

	require.Len(t, resp.QueryInfo.ExecutedQueries, 1)
	assert.Equal(t, "failed", resp.QueryInfo.ExecutedQueries[0].Status)
	assert.Equal(t, 3, resp.QueryInfo.ExecutedQueries[0].Attempts)
	assert.Equal(t, string(base.KindSourceTimeout), resp.QueryInfo.ExecutedQueries[0].Error)

	// the stale result is not written back as fresh
	entry, err := env.store.GetStale(ctx, CacheKey(mustIntent(t, chartRequest()), "v1", ""))
	require.NoError(t, err)
	assert.Equal(t, 400*time.Second, entry.Age(env.clock.Now()))
}

func TestEngine_SourceFailureWithoutStaleEntry(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, failWith(base.KindSourceTimeout))
	env := newTestEnv(t, testConfig(), sql)

	resp, err := env.engine.Query(context.Background(), chartRequest(), Principal{})
	require.Error(t, err)
	assert.Nil(t, resp)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Nil(t, qe.Fallback)
	assert.True(t, base.IsKind(err, base.KindSourceTimeout))

	envelope, code := NewErrorResponse(env.engine.AgentID(), err)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, ErrTypeSourceTimeout, envelope.Error.ErrorType)
	assert.Equal(t, "retry_later", envelope.Error.RecoveryAction)
	assert.Equal(t, qe.RequestID, envelope.RequestID)
}

func TestEngine_SecurityViolationSkipsExecution(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	env := newTestEnv(t, testConfig(), sql)

	req := chartRequest()
	req.Filters = FilterList{{Field: "salary", Op: "gt", Value: 100000.0}}

	_, err := env.engine.Query(context.Background(), req, Principal{})
	require.Error(t, err)

	var violation *SecurityViolation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "salary")
	assert.Equal(t, 0, sql.Calls())

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Nil(t, qe.Fallback)

	envelope, code := NewErrorResponse(env.engine.AgentID(), err)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, ErrTypeSecurity, envelope.Error.ErrorType)
	assert.Nil(t, envelope.FallbackData)
}

func TestEngine_InvalidIntent(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	env := newTestEnv(t, testConfig(), sql)

	_, err := env.engine.Query(context.Background(), &IntentRequest{Dimension: "department"}, Principal{})
	var invalid *InvalidIntentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "metric", invalid.Field)

	_, code := NewErrorResponse(env.engine.AgentID(), err)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 0, sql.Calls())
}

func TestEngine_SingleFlight(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	sql.delay = 50 * time.Millisecond
	env := newTestEnv(t, testConfig(), sql)

	const callers = 8
	responses := make([]*SuccessResponse, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = env.engine.Query(context.Background(), chartRequest(), Principal{})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, sql.Calls())

	misses := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, responses[i].Data.Records, 2)
		if responses[i].QueryInfo.CacheStrategy.Status == CacheMiss {
			misses++
		}
	}
	assert.Equal(t, 1, misses)
}

func TestEngine_InvalidateDuringComputeIsNotLost(t *testing.T) {
	var env *testEnv
	sql := newFakeAdapter(base.SourceSQL, func(call int, _ *base.Payload) ([]base.Row, error) {
		if call == 1 {
			// the rows below predate this invalidation
			env.clock.Advance(time.Second)
			_, err := env.store.Invalidate(context.Background(), "metric:burnout_risk_score")
			assert.NoError(t, err)
			env.clock.Advance(time.Second)
		}
		return burnoutRows(), nil
	})
	env = newTestEnv(t, testConfig(), sql)
	ctx := context.Background()

	first, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, first.QueryInfo.CacheStrategy.Status)

	second, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, second.QueryInfo.CacheStrategy.Status)
	assert.Equal(t, 2, sql.Calls())

	third, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, third.QueryInfo.CacheStrategy.Status)
	assert.Equal(t, 2, sql.Calls())
}

func TestEngine_SharedComputeOutlivesLeaderCancel(t *testing.T) {
	release := make(chan struct{})
	sql := newFakeAdapter(base.SourceSQL, func(int, *base.Payload) ([]base.Row, error) {
		<-release
		return burnoutRows(), nil
	})
	env := newTestEnv(t, testConfig(), sql)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.engine.Query(leaderCtx, chartRequest(), Principal{})
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return sql.Calls() == 1 }, time.Second, time.Millisecond)

	type result struct {
		resp *SuccessResponse
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		resp, err := env.engine.Query(context.Background(), chartRequest(), Principal{})
		follower <- result{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		require.Error(t, err)
		assert.True(t, base.IsKind(err, base.KindSourceTimeout))
	case <-time.After(time.Second):
		t.Fatal("cancelled request kept waiting")
	}

	close(release)
	select {
	case r := <-follower:
		require.NoError(t, r.err)
		assert.Equal(t, CacheShared, r.resp.QueryInfo.CacheStrategy.Status)
		assert.Len(t, r.resp.Data.Records, 2)
	case <-time.After(time.Second):
		t.Fatal("follower never received the shared result")
	}
	assert.Equal(t, 1, sql.Calls())

	// the abandoned computation still populated the cache
	resp, err := env.engine.Query(context.Background(), chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.QueryInfo.CacheStrategy.Status)
}

func TestEngine_FollowerStopsWaitingOnOwnDeadline(t *testing.T) {
	release := make(chan struct{})
	sql := newFakeAdapter(base.SourceSQL, func(int, *base.Payload) ([]base.Row, error) {
		<-release
		return burnoutRows(), nil
	})
	env := newTestEnv(t, testConfig(), sql)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.engine.Query(context.Background(), chartRequest(), Principal{})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return sql.Calls() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := env.engine.Query(ctx, chartRequest(), Principal{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Error(t, err)
	assert.True(t, base.IsKind(err, base.KindSourceTimeout))

	close(release)
	wg.Wait()
	assert.Equal(t, 1, sql.Calls())
}

func TestEngine_FallbackSourceReplacesFailedEntry(t *testing.T) {
	cfg := testConfig()
	cfg.Sources.API.Enabled = true
	cfg.Sources.API.BaseURL = "https://metrics.example.com"

	sql := newFakeAdapter(base.SourceSQL, failWith(base.KindSourceUnavailable))
	api := newFakeAdapter(base.SourceAPI, func(int, *base.Payload) ([]base.Row, error) {
		return []base.Row{{"department": "engineering", "burnout_risk_score": 0.5}}, nil
	})
	env := newTestEnv(t, cfg, sql, api)

	resp, err := env.engine.Query(context.Background(), chartRequest(), Principal{})
	require.NoError(t, err)

	// unavailable sources are never retried
	assert.Equal(t, 1, sql.Calls())
	assert.Equal(t, 1, api.Calls())
	assert.Equal(t, []base.SourceKind{base.SourceAPI}, resp.Data.Metadata.SourcesUsed)
	assert.False(t, resp.Data.Metadata.Degraded)
	assert.Len(t, resp.Data.Records, 1)

	require.Len(t, resp.QueryInfo.ExecutedQueries, 2)
	assert.Equal(t, "sql:burnout_risk_score", resp.QueryInfo.ExecutedQueries[0].EntryID)
	assert.Equal(t, "replaced", resp.QueryInfo.ExecutedQueries[0].Status)
	assert.Equal(t, "api:burnout_risk_score", resp.QueryInfo.ExecutedQueries[1].EntryID)
	assert.Equal(t, "ok", resp.QueryInfo.ExecutedQueries[1].Status)

	assert.Contains(t, resp.Performance.StatePath, StateRecovering)
	payloads := api.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, "/metrics/burnout", payloads[0].Target)
}

func TestEngine_RealtimeBypassesCache(t *testing.T) {
	stream := newFakeAdapter(base.SourceStream, respondRows)
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	env := newTestEnv(t, testConfig(), sql, stream)

	req := chartRequest()
	req.Realtime = true

	for i := 0; i < 2; i++ {
		resp, err := env.engine.Query(context.Background(), req, Principal{})
		require.NoError(t, err)
		assert.Equal(t, CacheBypass, resp.QueryInfo.CacheStrategy.Status)
		assert.False(t, resp.QueryInfo.CacheStrategy.Enabled)
		assert.Equal(t, []base.SourceKind{base.SourceStream}, resp.Data.Metadata.SourcesUsed)
	}
	assert.Equal(t, 2, stream.Calls())
	assert.Equal(t, 0, sql.Calls())
	assert.Equal(t, int64(0), env.store.Stats().Misses)
}

func TestEngine_RowPolicyScopesCache(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RowPolicies["employee_metrics"] = config.RowPolicy{Field: "tenant_id", PrincipalAttr: "tenant_id"}

	sql := newFakeAdapter(base.SourceSQL, respondRows)
	env := newTestEnv(t, cfg, sql)
	ctx := context.Background()

	acme := Principal{ID: "u1", Attributes: map[string]string{"tenant_id": "acme"}}
	globex := Principal{ID: "u2", Attributes: map[string]string{"tenant_id": "globex"}}

	_, err := env.engine.Query(ctx, chartRequest(), acme)
	require.NoError(t, err)
	_, err = env.engine.Query(ctx, chartRequest(), globex)
	require.NoError(t, err)
	resp, err := env.engine.Query(ctx, chartRequest(), acme)
	require.NoError(t, err)

	assert.Equal(t, 2, sql.Calls())
	assert.Equal(t, CacheHit, resp.QueryInfo.CacheStrategy.Status)

	payloads := sql.Payloads()
	require.Len(t, payloads, 2)
	for i, tenant := range []string{"acme", "globex"} {
		require.True(t, payloads[i].HasPredicate("tenant_id"))
		assert.Contains(t, payloads[i].Params, "p1")
		assert.Equal(t, tenant, payloads[i].Params["p1"])
	}

	// without the attribute the policy cannot be enforced
	_, err = env.engine.Query(ctx, chartRequest(), Principal{ID: "anonymous"})
	var violation *SecurityViolation
	require.ErrorAs(t, err, &violation)
}

func TestEngine_Invalidate(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	env := newTestEnv(t, testConfig(), sql)
	ctx := context.Background()

	_, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)

	removed, err := env.engine.Invalidate(ctx, "metric:burnout_risk_score")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	resp, err := env.engine.Query(ctx, chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, resp.QueryInfo.CacheStrategy.Status)
	assert.Equal(t, 2, sql.Calls())

	_, err = env.engine.Invalidate(ctx, "")
	var invalid *InvalidIntentError
	assert.ErrorAs(t, err, &invalid)
}

func TestEngine_SLABreachTagsResponse(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.SLAThresholdMs = 1

	sql := newFakeAdapter(base.SourceSQL, respondRows)
	sql.delay = 20 * time.Millisecond
	env := newTestEnv(t, cfg, sql)

	resp, err := env.engine.Query(context.Background(), chartRequest(), Principal{})
	require.NoError(t, err)

	assert.True(t, resp.Performance.SLABreach)
	assert.Equal(t, []string{"sla_breach", "optimization_suggestion"}, resp.Data.Metadata.Tags)
	assert.Equal(t, stageSuggestions[StageExecute], resp.Performance.Suggestion)
	assert.Equal(t, int64(1), env.engine.Stats().Requests.SLABreaches)
}

func TestEngine_SamplesReachSink(t *testing.T) {
	sink := &collectSink{}
	sql := newFakeAdapter(base.SourceSQL, respondRows)
	engine, err := NewEngine(testConfig(), WithAdapters(sql), WithSampleSink(sink), WithLogger(quietLogger()))
	require.NoError(t, err)

	resp, err := engine.Query(ContextWithRequestID(context.Background(), "req-42"), chartRequest(), Principal{})
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.RequestID)
	// no store configured
	assert.Equal(t, CacheBypass, resp.QueryInfo.CacheStrategy.Status)

	stages := make(map[string]int)
	for _, s := range sink.Samples() {
		assert.Equal(t, "req-42", s.RequestID)
		stages[s.Stage]++
	}
	for _, stage := range []string{StagePlan, StageConstruct, StageOptimize, StageSecure, StageExecute, StageAggregate, StageCacheWrite} {
		assert.NotZero(t, stages[stage], stage)
	}
}

func TestEngine_DuplicateAdapters(t *testing.T) {
	_, err := NewEngine(testConfig(),
		WithAdapters(newFakeAdapter(base.SourceSQL, nil), newFakeAdapter(base.SourceSQL, nil)))
	assert.ErrorContains(t, err, "duplicate adapter")

	_, err = NewEngine(nil)
	assert.Error(t, err)
}

func TestEngine_HealthAndClose(t *testing.T) {
	sql := newFakeAdapter(base.SourceSQL, nil)
	api := newFakeAdapter(base.SourceAPI, nil)
	api.healthy = false
	env := newTestEnv(t, testConfig(), sql, api)

	healthy, sources := env.engine.Health(context.Background())
	assert.False(t, healthy)
	require.Len(t, sources, 2)
	assert.True(t, sources["sql"].Healthy)
	assert.False(t, sources["api"].Healthy)

	require.NoError(t, env.engine.Close())
	assert.True(t, sql.closed)
	assert.True(t, api.closed)
}

func mustIntent(t *testing.T, req *IntentRequest) *QueryIntent {
	t.Helper()
	intent, err := req.Validate()
	require.NoError(t, err)
	return intent
}
