// Package storetest is a conformance suite run against every storage.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// Run exercises s. Each subtest creates its own tenant so the suite can share
// one database.
func Run(t *testing.T, s storage.Store) {
	t.Run("AgentCRUD", func(t *testing.T) { testAgentCRUD(t, s) })
	t.Run("AgentFilters", func(t *testing.T) { testAgentFilters(t, s) })
	t.Run("TaskFinishOnce", func(t *testing.T) { testTaskFinishOnce(t, s) })
	t.Run("TaskFinishMetadataMerge", func(t *testing.T) { testTaskFinishMetadataMerge(t, s) })
	t.Run("TaskTenantScope", func(t *testing.T) { testTaskTenantScope(t, s) })
	t.Run("MetricRangeAndOrder", func(t *testing.T) { testMetricRange(t, s) })
	t.Run("IdempotentInserts", func(t *testing.T) { testIdempotentInserts(t, s) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, s) })
	t.Run("Users", func(t *testing.T) { testUsers(t, s) })
	t.Run("EmbeddingCache", func(t *testing.T) { testEmbeddingCache(t, s) })
}

// NewTenant inserts a fresh tenant and returns its id.
func NewTenant(t *testing.T, s storage.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.EnsureTenant(context.Background(), model.Tenant{ID: id, Name: "tenant-" + id.String()[:8]}))
	return id
}

// NewAgent inserts an agent of type typ for tenant.
func NewAgent(t *testing.T, s storage.Store, tenant uuid.UUID, typ model.AgentType) model.Agent {
	t.Helper()
	a, err := s.CreateAgent(context.Background(), model.Agent{
		TenantID:    tenant,
		Name:        string(typ) + "-agent",
		Type:        typ,
		Status:      model.AgentStatusInactive,
		Version:     model.DefaultAgentVersion,
		EndpointURL: "/api/" + string(typ) + "-agent",
		Config:      model.DefaultAgentConfig(typ),
		CreatedBy:   uuid.New(),
	})
	require.NoError(t, err)
	return a
}

func testAgentCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	a := NewAgent(t, s, tenant, model.AgentTypeSentiment)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, tenant, got.TenantID)
	assert.Equal(t, model.DefaultSentimentModel, got.Config.Model)
	assert.Equal(t, 10, got.Config.BatchSize)

	got.Status = model.AgentStatusActive
	got.Config.BatchSize = 32
	updated, err := s.UpdateAgent(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusActive, updated.Status)
	assert.Equal(t, 32, updated.Config.BatchSize)
	assert.False(t, updated.UpdatedAt.Before(a.UpdatedAt))

	other := got
	other.TenantID = uuid.New()
	_, err = s.UpdateAgent(ctx, other)
	assert.ErrorIs(t, err, storage.ErrNotFound, "update must be tenant scoped")

	assert.ErrorIs(t, s.DeleteAgent(ctx, uuid.New(), a.ID), storage.ErrNotFound)
	require.NoError(t, s.DeleteAgent(ctx, tenant, a.ID))
	_, err = s.GetAgent(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAgentFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	NewAgent(t, s, tenant, model.AgentTypeSentiment)
	NewAgent(t, s, tenant, model.AgentTypeSentiment)
	rec := NewAgent(t, s, tenant, model.AgentTypeRecommendation)
	rec.Status = model.AgentStatusActive
	_, err := s.UpdateAgent(ctx, rec)
	require.NoError(t, err)

	all, err := s.ListAgents(ctx, storage.AgentFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sent, err := s.ListAgents(ctx, storage.AgentFilter{TenantID: tenant, Type: model.AgentTypeSentiment})
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	active, err := s.CountAgents(ctx, storage.AgentFilter{TenantID: tenant, Status: model.AgentStatusActive})
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	page, err := s.ListAgents(ctx, storage.AgentFilter{TenantID: tenant, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	none, err := s.ListAgents(ctx, storage.AgentFilter{TenantID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func newProcessingTask(t *testing.T, s storage.Store, tenant, agent uuid.UUID) model.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), model.Task{
		TenantID:  tenant,
		AgentID:   agent,
		Status:    model.TaskStatusProcessing,
		InputData: map[string]any{"text": "hello"},
		Metadata:  map[string]any{"started_at": time.Now().UTC().Format(time.RFC3339Nano)},
	})
	require.NoError(t, err)
	return task
}

func testTaskFinishOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	agent := NewAgent(t, s, tenant, model.AgentTypeSentiment)
	task := newProcessingTask(t, s, tenant, agent.ID)

	done := time.Now().UTC()
	require.NoError(t, s.FinishTask(ctx, tenant, task.ID, model.TaskFinish{
		Status:      model.TaskStatusCompleted,
		OutputData:  map[string]any{"sentiment": "positive"},
		Metadata:    map[string]any{"processing_time_ms": float64(12)},
		CompletedAt: done,
	}))

	msg := "late failure"
	err := s.FinishTask(ctx, tenant, task.ID, model.TaskFinish{
		Status: model.TaskStatusFailed, ErrorMessage: &msg, CompletedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, storage.ErrTaskNotProcessing)

	got, err := s.GetTask(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)
	assert.Equal(t, map[string]any{"sentiment": "positive"}, got.OutputData)
	assert.Equal(t, "hello", got.InputData["text"])
	assert.Contains(t, got.Metadata, "started_at", "finish merges metadata")
	assert.Equal(t, float64(12), got.Metadata["processing_time_ms"])
}

// Finish replaces top-level metadata keys wholesale and keeps explicit nulls.
func testTaskFinishMetadataMerge(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	agent := NewAgent(t, s, tenant, model.AgentTypeSentiment)
	task, err := s.CreateTask(ctx, model.Task{
		TenantID:  tenant,
		AgentID:   agent.ID,
		Status:    model.TaskStatusProcessing,
		InputData: map[string]any{"text": "hello"},
		Metadata: map[string]any{
			"started_at": "2024-01-01T00:00:00Z",
			"model":      map[string]any{"name": "a", "version": float64(1)},
			"note":       "keep me as null",
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.FinishTask(ctx, tenant, task.ID, model.TaskFinish{
		Status: model.TaskStatusCompleted,
		Metadata: map[string]any{
			"model": map[string]any{"name": "b"},
			"note":  nil,
			"tags":  []any{"x", "y"},
		},
		CompletedAt: time.Now().UTC(),
	}))

	got, err := s.GetTask(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"started_at": "2024-01-01T00:00:00Z",
		"model":      map[string]any{"name": "b"},
		"note":       nil,
		"tags":       []any{"x", "y"},
	}, got.Metadata)
}

func testTaskTenantScope(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	agent := NewAgent(t, s, tenant, model.AgentTypeSentiment)
	task := newProcessingTask(t, s, tenant, agent.ID)

	_, err := s.GetTask(ctx, uuid.New(), task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.FinishTask(ctx, uuid.New(), task.ID, model.TaskFinish{Status: model.TaskStatusCompleted, CompletedAt: time.Now()})
	assert.ErrorIs(t, err, storage.ErrTaskNotProcessing)

	second := newProcessingTask(t, s, tenant, agent.ID)
	tasks, err := s.ListTasks(ctx, storage.TaskFilter{TenantID: tenant, AgentID: &agent.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID, "newest first")

	limited, err := s.ListTasks(ctx, storage.TaskFilter{TenantID: tenant, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testMetricRange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	agent := NewAgent(t, s, tenant, model.AgentTypeRecommendation)
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, age := range []time.Duration{30 * time.Hour, 2 * time.Hour, time.Hour} {
		_, err := s.InsertMetric(ctx, model.Metric{
			TenantID: tenant, AgentID: agent.ID, MetricName: "recommendation_generation",
			MetricValue: float64(i), ProcessingTime: int64(100 * (i + 1)), Success: i != 1,
			Metadata: map[string]any{"i": float64(i)}, CreatedAt: now.Add(-age),
		})
		require.NoError(t, err)
	}

	recent, err := s.ListMetrics(ctx, storage.MetricFilter{TenantID: tenant, From: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, float64(1), recent[0].MetricValue, "oldest first")
	assert.False(t, recent[0].Success)
	assert.Equal(t, int64(200), recent[0].ProcessingTime)
	assert.Equal(t, float64(2), recent[1].MetricValue)

	newest, err := s.ListMetrics(ctx, storage.MetricFilter{TenantID: tenant, AgentID: &agent.ID, NewestFirst: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, float64(2), newest[0].MetricValue)

	bounded, err := s.ListMetrics(ctx, storage.MetricFilter{TenantID: tenant, To: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, bounded, 1, "To is exclusive")

	other, err := s.ListMetrics(ctx, storage.MetricFilter{TenantID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testIdempotentInserts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	agent := NewAgent(t, s, tenant, model.AgentTypePerformance)

	m := model.Metric{ID: uuid.New(), TenantID: tenant, AgentID: agent.ID, MetricName: "performance_monitoring", MetricValue: 90, Success: true}
	_, err := s.InsertMetric(ctx, m)
	require.NoError(t, err)
	_, err = s.InsertMetric(ctx, m)
	require.NoError(t, err)

	l := model.LogEntry{ID: uuid.New(), TenantID: tenant, AgentID: agent.ID, Level: model.LogLevelInfo, Message: "once"}
	_, err = s.InsertLog(ctx, l)
	require.NoError(t, err)
	_, err = s.InsertLog(ctx, l)
	require.NoError(t, err)

	metrics, err := s.ListMetrics(ctx, storage.MetricFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
	logs, err := s.ListLogs(ctx, storage.LogFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func testLogs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	agent := NewAgent(t, s, tenant, model.AgentTypeSentiment)
	base := time.Now().UTC().Add(-time.Minute)

	for i, lvl := range []model.LogLevel{model.LogLevelInfo, model.LogLevelWarn, model.LogLevelError} {
		_, err := s.InsertLog(ctx, model.LogEntry{
			TenantID: tenant, AgentID: agent.ID, Level: lvl, Message: string(lvl),
			Metadata: map[string]any{"task_id": uuid.NewString()}, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	logs, err := s.ListLogs(ctx, storage.LogFilter{TenantID: tenant, AgentID: &agent.ID})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, model.LogLevelError, logs[0].Level, "newest first")
	assert.Contains(t, logs[0].Metadata, "task_id")

	warns, err := s.ListLogs(ctx, storage.LogFilter{TenantID: tenant, Level: model.LogLevelWarn})
	require.NoError(t, err)
	assert.Len(t, warns, 1)
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := NewTenant(t, s)
	require.NoError(t, s.EnsureTenant(ctx, model.Tenant{ID: tenant, Name: "again"}), "EnsureTenant is idempotent")

	before, err := s.CountUsers(ctx)
	require.NoError(t, err)

	hash := "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"
	email := uuid.NewString()[:8] + "@Example.com"
	u, err := s.CreateUser(ctx, model.User{TenantID: tenant, Email: email, Role: model.RoleUser, APIKeyHash: &hash})
	require.NoError(t, err)

	got, err := s.GetUserByEmail(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	require.NotNil(t, got.APIKeyHash)
	assert.Equal(t, hash, *got.APIKeyHash)

	byID, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant, byID.TenantID)
	assert.Equal(t, model.RoleUser, byID.Role)

	_, err = s.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	after, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}

func testEmbeddingCache(t *testing.T, s storage.Store) {
	ctx := context.Background()
	text := "cache me " + uuid.NewString()

	_, err := s.GetEmbedding(ctx, "m", text)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutEmbedding(ctx, "m", text, pgvector.NewVector([]float32{1, 0.5, -2})))
	require.NoError(t, s.PutEmbedding(ctx, "m", text, pgvector.NewVector([]float32{1, 2, 3})))

	v, err := s.GetEmbedding(ctx, "m", text)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v.Slice())

	_, err = s.GetEmbedding(ctx, "other-model", text)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
