package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/health"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
	"github.com/fmaa-ecosystem/fmaa/internal/storage/storetest"
	"github.com/fmaa-ecosystem/fmaa/internal/testutil"
)

// storeResolver resolves agents straight from the store, checking the tenant.
type storeResolver struct{ s storage.Store }

func (r storeResolver) Resolve(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := r.s.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, err
	}
	if a.TenantID != ctxutil.TenantIDFromContext(ctx) {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

func scoped(tenant uuid.UUID) context.Context {
	return ctxutil.WithScope(context.Background(), ctxutil.Scope{TenantID: tenant, UserID: uuid.New(), Role: model.RoleAdmin})
}

func TestComputeNewAgent(t *testing.T) {
	store := testutil.NewLiteStore(t)
	agent := storetest.NewAgent(t, store, model.DefaultTenantID, model.AgentTypeSentiment)
	engine := health.NewEngine(store, storeResolver{store}, testutil.TestLogger())

	snap, err := engine.Compute(scoped(model.DefaultTenantID), agent.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, agent.Name, snap.AgentInfo.Name)
	assert.Equal(t, 90, snap.OverallHealthScore)
	assert.Equal(t, health.StatusHealthy, snap.HealthStatus)
	require.Len(t, snap.Alerts, 1)
	assert.Equal(t, "inactivity", snap.Alerts[0].Type)
	assert.Equal(t, []string{health.RecCheckConfig}, snap.Recommendations)

	// Compute never writes.
	logs, err := store.ListLogs(context.Background(), storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &agent.ID})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestComputeUsesOnlyRecentMetrics(t *testing.T) {
	store := testutil.NewLiteStore(t)
	ctx := context.Background()
	agent := storetest.NewAgent(t, store, model.DefaultTenantID, model.AgentTypeSentiment)
	now := time.Now().UTC()

	for _, m := range []model.Metric{
		{MetricName: "x", ProcessingTime: 60000, CreatedAt: now.Add(-48 * time.Hour)},
		{MetricName: "x", ProcessingTime: 100, CreatedAt: now.Add(-time.Hour)},
	} {
		m.TenantID = model.DefaultTenantID
		m.AgentID = agent.ID
		_, err := store.InsertMetric(ctx, m)
		require.NoError(t, err)
	}

	engine := health.NewEngine(store, storeResolver{store}, testutil.TestLogger())
	snap, err := engine.Compute(scoped(model.DefaultTenantID), agent.ID, now)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.PerformanceMetrics.AverageProcessingTime, 1e-9)
}

func TestComputeOtherTenant(t *testing.T) {
	store := testutil.NewLiteStore(t)
	other := storetest.NewTenant(t, store)
	agent := storetest.NewAgent(t, store, other, model.AgentTypeSentiment)
	engine := health.NewEngine(store, storeResolver{store}, testutil.TestLogger())

	_, err := engine.Compute(scoped(model.DefaultTenantID), agent.ID, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPersistAlerts(t *testing.T) {
	store := testutil.NewLiteStore(t)
	engine := health.NewEngine(store, storeResolver{store}, testutil.TestLogger())
	agentID := uuid.New()

	alerts := health.Alerts(health.Performance{ErrorRate: 0.5, AverageProcessingTime: 20000})
	require.Len(t, alerts, 3)
	require.NoError(t, engine.PersistAlerts(scoped(model.DefaultTenantID), agentID, alerts))

	logs, err := store.ListLogs(context.Background(), storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &agentID})
	require.NoError(t, err)
	require.Len(t, logs, 3)

	byType := map[string]model.LogEntry{}
	for _, l := range logs {
		byType[l.Metadata["alert_type"].(string)] = l
	}
	assert.Equal(t, model.LogLevelError, byType["error_rate"].Level)
	assert.Equal(t, "ALERT: High error rate detected: 50.0%", byType["error_rate"].Message)
	assert.Equal(t, model.LogLevelWarn, byType["processing_time"].Level)
	assert.Equal(t, model.LogLevelWarn, byType["inactivity"].Level)
	data, ok := byType["inactivity"].Metadata["alert_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "low", data["severity"])
}

func TestMonitorRecordsTaskAndAlerts(t *testing.T) {
	store := testutil.NewLiteStore(t)
	agent := storetest.NewAgent(t, store, model.DefaultTenantID, model.AgentTypePerformance)
	engine := health.NewEngine(store, storeResolver{store}, testutil.TestLogger())
	svc := health.NewService(engine, lifecycle.New(store, nil, testutil.TestLogger()), testutil.TestLogger())

	req := model.MonitorRequest{AgentID: agent.ID}
	require.NoError(t, req.Validate())
	res, err := svc.Monitor(scoped(model.DefaultTenantID), req)
	require.NoError(t, err)

	snap, ok := res.Output.(health.Snapshot)
	require.True(t, ok)
	// The monitoring task itself is created before the snapshot is taken.
	assert.Equal(t, 1, snap.PerformanceMetrics.TotalTasks)
	assert.Equal(t, 1, snap.PerformanceMetrics.ProcessingTasks)
	assert.Equal(t, 1, snap.PerformanceMetrics.TasksLast24h)
	assert.Empty(t, snap.Alerts)

	ctx := context.Background()
	task, err := store.GetTask(ctx, model.DefaultTenantID, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, "comprehensive", task.InputData["monitoring_type"])

	metrics, err := store.ListMetrics(ctx, storage.MetricFilter{TenantID: model.DefaultTenantID, AgentID: &agent.ID})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "performance_monitoring", metrics[0].MetricName)
	assert.InDelta(t, float64(snap.OverallHealthScore), metrics[0].MetricValue, 1e-9)
	assert.Equal(t, "comprehensive", metrics[0].Metadata["monitoring_type"])

	logs, err := store.ListLogs(ctx, storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &agent.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Performance monitoring completed for task "+res.TaskID.String(), logs[0].Message)
}

func TestMonitorPersistsAlertsForFailingAgent(t *testing.T) {
	store := testutil.NewLiteStore(t)
	ctx := context.Background()
	agent := storetest.NewAgent(t, store, model.DefaultTenantID, model.AgentTypeSentiment)

	seedFailedTasks(t, store, agent.ID)

	engine := health.NewEngine(store, storeResolver{store}, testutil.TestLogger())
	svc := health.NewService(engine, lifecycle.New(store, nil, testutil.TestLogger()), testutil.TestLogger())
	res, err := svc.Monitor(scoped(model.DefaultTenantID), model.MonitorRequest{AgentID: agent.ID, MonitoringType: "quick"})
	require.NoError(t, err)

	snap := res.Output.(health.Snapshot)
	require.NotEmpty(t, snap.Alerts)
	assert.Equal(t, "error_rate", snap.Alerts[0].Type)

	logs, err := store.ListLogs(ctx, storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &agent.ID, Level: model.LogLevelError})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ALERT: High error rate detected: 75.0%", logs[0].Message)
}

// seedFailedTasks adds three failed tasks from last week: a high error rate
// and nothing recent.
func seedFailedTasks(t *testing.T, store storage.Store, agentID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for range 3 {
		task, err := store.CreateTask(ctx, model.Task{
			TenantID:  model.DefaultTenantID,
			AgentID:   agentID,
			Status:    model.TaskStatusProcessing,
			CreatedAt: time.Now().UTC().Add(-72 * time.Hour),
		})
		require.NoError(t, err)
		msg := "boom"
		require.NoError(t, store.FinishTask(ctx, model.DefaultTenantID, task.ID, model.TaskFinish{
			Status: model.TaskStatusFailed, ErrorMessage: &msg, CompletedAt: time.Now().UTC(),
		}))
	}
}

// cancelAfterLog cancels the caller's request once the completion log lands.
type cancelAfterLog struct {
	storage.Store
	cancel context.CancelFunc
}

func (c cancelAfterLog) InsertLog(ctx context.Context, l model.LogEntry) (model.LogEntry, error) {
	out, err := c.Store.InsertLog(ctx, l)
	c.cancel()
	return out, err
}

func TestMonitorPersistsAlertsAfterCancel(t *testing.T) {
	store := testutil.NewLiteStore(t)
	agent := storetest.NewAgent(t, store, model.DefaultTenantID, model.AgentTypeSentiment)
	seedFailedTasks(t, store, agent.ID)

	ctx, cancel := context.WithCancel(scoped(model.DefaultTenantID))
	defer cancel()
	engine := health.NewEngine(store, storeResolver{store}, testutil.TestLogger())
	orch := lifecycle.New(cancelAfterLog{Store: store, cancel: cancel}, nil, testutil.TestLogger())
	svc := health.NewService(engine, orch, testutil.TestLogger())

	_, err := svc.Monitor(ctx, model.MonitorRequest{AgentID: agent.ID, MonitoringType: "quick"})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	logs, err := store.ListLogs(context.Background(), storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &agent.ID, Level: model.LogLevelError})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ALERT: High error rate detected: 75.0%", logs[0].Message)
}
