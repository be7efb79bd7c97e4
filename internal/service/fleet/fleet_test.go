package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage/storetest"
	"github.com/fmaa-ecosystem/fmaa/internal/testutil"
)

func metric(agent uuid.UUID, success bool, ms int64, at time.Time) model.Metric {
	return model.Metric{AgentID: agent, Success: success, ProcessingTime: ms, CreatedAt: at}
}

func TestSummarizeEmpty(t *testing.T) {
	h := Summarize(nil)
	assert.Zero(t, h.OverallSuccessRate)
	assert.Zero(t, h.AverageProcessingTime)
	assert.Zero(t, h.TotalOperations)
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	a := uuid.New()
	h := Summarize([]model.Metric{
		metric(a, true, 100, now), metric(a, true, 200, now), metric(a, false, 600, now),
	})
	assert.Equal(t, 3, h.TotalOperations)
	assert.Equal(t, 2, h.SuccessfulOperations)
	assert.Equal(t, 1, h.FailedOperations)
	assert.InDelta(t, 2.0/3.0, h.OverallSuccessRate, 1e-9)
	assert.InDelta(t, 300.0, h.AverageProcessingTime, 1e-9)
}

func TestTopPerformersOrderingAndLimit(t *testing.T) {
	now := time.Now()
	ids := make([]uuid.UUID, 7)
	for i := range ids {
		ids[i] = uuid.New()
	}
	agents := []model.Agent{{ID: ids[0], Name: "zero"}, {ID: ids[1], Name: "one"}}

	// Success rates by first-seen order: 0.5, 1, 0.5, 1, 0, 0.5, 1.
	pattern := [][]bool{
		{true, false}, {true}, {false, true}, {true, true}, {false}, {true, false}, {true},
	}
	var metrics []model.Metric
	for i, outcomes := range pattern {
		for _, ok := range outcomes {
			metrics = append(metrics, metric(ids[i], ok, 10, now))
		}
	}

	top := TopPerformers(metrics, agents)
	require.Len(t, top, TopAgentsLimit)
	for i := 1; i < len(top); i++ {
		assert.GreaterOrEqual(t, top[i-1].SuccessRate, top[i].SuccessRate)
	}
	// Stable: the three perfect agents keep first-seen order, then the 0.5s.
	assert.Equal(t, []uuid.UUID{ids[1], ids[3], ids[6], ids[0], ids[2]},
		[]uuid.UUID{top[0].AgentID, top[1].AgentID, top[2].AgentID, top[3].AgentID, top[4].AgentID})
	assert.Equal(t, "one", top[0].AgentName)
	assert.Equal(t, UnknownAgentName, top[1].AgentName)
	assert.Equal(t, "zero", top[3].AgentName)
	assert.Equal(t, 2, top[3].TotalOperations)
	assert.InDelta(t, 10.0, top[3].AverageProcessingTime, 1e-9)
}

func TestTopPerformersEmpty(t *testing.T) {
	top := TopPerformers(nil, nil)
	assert.NotNil(t, top)
	assert.Empty(t, top)
}

func TestHourlyTrends(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	a := uuid.New()
	metrics := []model.Metric{
		metric(a, true, 1, time.Date(2026, 1, 1, 21, 15, 0, 0, time.UTC)),  // 23h local
		metric(a, false, 1, time.Date(2026, 1, 1, 21, 45, 0, 0, time.UTC)), // 23h local
		metric(a, true, 1, time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)),    // 3h local
	}

	trends := HourlyTrends(metrics, loc)
	require.Len(t, trends, 2)
	assert.Equal(t, HourlyTrend{Hour: 3, SuccessRate: 1, TotalOperations: 1}, trends[0])
	assert.Equal(t, HourlyTrend{Hour: 23, SuccessRate: 0.5, TotalOperations: 2}, trends[1])
}

func TestBuildReport(t *testing.T) {
	store := testutil.NewLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sentiment := storetest.NewAgent(t, store, model.DefaultTenantID, model.AgentTypeSentiment)
	rec := storetest.NewAgent(t, store, model.DefaultTenantID, model.AgentTypeRecommendation)
	rec.Status = model.AgentStatusActive
	_, err := store.UpdateAgent(ctx, rec)
	require.NoError(t, err)

	other := storetest.NewTenant(t, store)
	foreign := storetest.NewAgent(t, store, other, model.AgentTypeSentiment)

	deleted := uuid.New()
	for _, m := range []model.Metric{
		{TenantID: model.DefaultTenantID, AgentID: sentiment.ID, MetricName: "sentiment_analysis", Success: true, ProcessingTime: 100, CreatedAt: now.Add(-time.Hour)},
		{TenantID: model.DefaultTenantID, AgentID: sentiment.ID, MetricName: "sentiment_analysis_error", Success: false, ProcessingTime: 300, CreatedAt: now.Add(-2 * time.Hour)},
		{TenantID: model.DefaultTenantID, AgentID: deleted, MetricName: "sentiment_analysis", Success: true, ProcessingTime: 200, CreatedAt: now.Add(-3 * time.Hour)},
		{TenantID: model.DefaultTenantID, AgentID: sentiment.ID, MetricName: "old", Success: false, ProcessingTime: 9999, CreatedAt: now.Add(-30 * time.Hour)},
		{TenantID: other, AgentID: foreign.ID, MetricName: "sentiment_analysis", Success: false, ProcessingTime: 1, CreatedAt: now.Add(-time.Hour)},
	} {
		_, err := store.InsertMetric(ctx, m)
		require.NoError(t, err)
	}

	agg := NewAggregator(store, time.UTC, testutil.TestLogger())
	scopedCtx := ctxutil.WithScope(ctx, ctxutil.Scope{TenantID: model.DefaultTenantID, Role: model.RoleViewer})
	report, err := agg.BuildReport(scopedCtx, now)
	require.NoError(t, err)

	assert.Equal(t, model.DefaultTenantID, report.TenantID)
	assert.Equal(t, 2, report.AgentsCount)
	assert.Equal(t, 1, report.ActiveAgents)
	assert.Equal(t, 3, report.SystemHealth.TotalOperations)
	assert.Equal(t, 2, report.SystemHealth.SuccessfulOperations)
	assert.InDelta(t, 200.0, report.SystemHealth.AverageProcessingTime, 1e-9)

	require.Len(t, report.TopPerformingAgents, 2)
	assert.Equal(t, deleted, report.TopPerformingAgents[0].AgentID)
	assert.Equal(t, UnknownAgentName, report.TopPerformingAgents[0].AgentName)
	assert.Equal(t, sentiment.Name, report.TopPerformingAgents[1].AgentName)

	total := 0
	for _, tr := range report.PerformanceTrends {
		total += tr.TotalOperations
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, now, report.GeneratedAt)
}
