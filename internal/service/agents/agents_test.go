package agents_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
	"github.com/fmaa-ecosystem/fmaa/internal/storage/sqlite"
	"github.com/fmaa-ecosystem/fmaa/internal/storage/storetest"
	"github.com/fmaa-ecosystem/fmaa/internal/testutil"
)

func setup(t *testing.T) (*agents.Service, *sqlite.Store, context.Context, uuid.UUID) {
	t.Helper()
	store := testutil.NewLiteStore(t)
	user := uuid.New()
	ctx := ctxutil.WithScope(context.Background(), ctxutil.Scope{
		TenantID: model.DefaultTenantID,
		UserID:   user,
		Role:     model.RoleAdmin,
	})
	return agents.New(store, testutil.TestLogger()), store, ctx, user
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc, store, ctx, user := setup(t)

	a, err := svc.Create(ctx, model.CreateAgentRequest{
		Name:   "  reviews  ",
		Type:   model.AgentTypeSentiment,
		Config: model.AgentConfig{BatchSize: 25, Extra: map[string]any{"lang": "en"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "reviews", a.Name)
	assert.Equal(t, "sentiment analysis agent", a.Description)
	assert.Equal(t, model.AgentStatusInactive, a.Status)
	assert.Equal(t, "1.0.0", a.Version)
	assert.Equal(t, "/api/sentiment-agent", a.EndpointURL)
	assert.Equal(t, user, a.CreatedBy)
	assert.Equal(t, model.DefaultSentimentModel, a.Config.Model)
	assert.Equal(t, 25, a.Config.BatchSize)
	assert.InDelta(t, 0.7, a.Config.ConfidenceThreshold, 1e-9)
	assert.Equal(t, "en", a.Config.Extra["lang"])

	logs, err := store.ListLogs(context.Background(), storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &a.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Agent created: reviews", logs[0].Message)
	assert.Equal(t, "sentiment", logs[0].Metadata["type"])
}

func TestCreateValidation(t *testing.T) {
	svc, _, ctx, _ := setup(t)

	_, err := svc.Create(ctx, model.CreateAgentRequest{Type: model.AgentTypeSentiment})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Name and type are required", verr.Message)

	_, err = svc.Create(ctx, model.CreateAgentRequest{Name: "x", Type: "translation"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "Invalid agent type")
}

func TestCreateWithoutScope(t *testing.T) {
	svc, _, _, _ := setup(t)
	_, err := svc.Create(context.Background(), model.CreateAgentRequest{Name: "x", Type: model.AgentTypeSentiment})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestListPaginationAndStatistics(t *testing.T) {
	svc, store, ctx, _ := setup(t)
	for i := range 12 {
		typ := model.AgentTypes[i%len(model.AgentTypes)]
		_, err := svc.Create(ctx, model.CreateAgentRequest{Name: fmt.Sprintf("agent-%d", i), Type: typ})
		require.NoError(t, err)
	}
	storetest.NewAgent(t, store, storetest.NewTenant(t, store), model.AgentTypeSentiment)

	res, err := svc.List(ctx, agents.ListParams{Page: 2, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, res.Agents, 5)
	assert.Equal(t, model.Pagination{Page: 2, Limit: 5, Total: 12, Pages: 3}, res.Pagination)
	assert.Equal(t, 12, res.Statistics.Total)
	assert.Equal(t, 12, res.Statistics.Inactive)
	assert.Equal(t, 4, res.Statistics.ByType[model.AgentTypeRecommendation])

	res, err = svc.List(ctx, agents.ListParams{Page: 9})
	require.NoError(t, err)
	assert.NotNil(t, res.Agents)
	assert.Empty(t, res.Agents)
	assert.Equal(t, 10, res.Pagination.Limit)

	res, err = svc.List(ctx, agents.ListParams{Type: model.AgentTypePerformance, Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, res.Agents, 4)
	assert.Equal(t, agents.MaxLimit, res.Pagination.Limit)

	_, err = svc.List(ctx, agents.ListParams{Status: "sleeping"})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUpdateAndDeleteOwnership(t *testing.T) {
	svc, store, ctx, _ := setup(t)
	foreign := storetest.NewAgent(t, store, storetest.NewTenant(t, store), model.AgentTypeSentiment)

	name := "renamed"
	_, err := svc.Update(ctx, foreign.ID, model.UpdateAgentRequest{Name: &name})
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.ErrorIs(t, svc.Delete(ctx, foreign.ID), auth.ErrForbidden)

	_, err = svc.Update(ctx, uuid.New(), model.UpdateAgentRequest{Name: &name})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	still, err := store.GetAgent(context.Background(), foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, foreign.Name, still.Name)
}

func TestUpdateMergesConfig(t *testing.T) {
	svc, store, ctx, _ := setup(t)
	a, err := svc.Create(ctx, model.CreateAgentRequest{Name: "recs", Type: model.AgentTypeRecommendation})
	require.NoError(t, err)

	status := model.AgentStatusActive
	updated, err := svc.Update(ctx, a.ID, model.UpdateAgentRequest{
		Status: &status,
		Config: &model.AgentConfig{SimilarityThreshold: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusActive, updated.Status)
	assert.InDelta(t, 0.5, updated.Config.SimilarityThreshold, 1e-9)
	assert.Equal(t, 10, updated.Config.MaxRecommendations)
	assert.Equal(t, model.DefaultEmbeddingModel, updated.Config.Model)

	logs, err := store.ListLogs(context.Background(), storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &a.ID})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "Agent updated: recs", logs[0].Message)
}

func TestDeleteKeepsHistory(t *testing.T) {
	svc, store, ctx, _ := setup(t)
	a, err := svc.Create(ctx, model.CreateAgentRequest{Name: "gone", Type: model.AgentTypePerformance})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, a.ID))
	_, err = svc.Resolve(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	logs, err := store.ListLogs(context.Background(), storage.LogFilter{TenantID: model.DefaultTenantID, AgentID: &a.ID})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "Agent deleted: gone", logs[0].Message)
}

func TestStatus(t *testing.T) {
	svc, store, ctx, _ := setup(t)
	bg := context.Background()
	a, err := svc.Create(ctx, model.CreateAgentRequest{Name: "recs", Type: model.AgentTypeRecommendation})
	require.NoError(t, err)
	now := time.Now().UTC()

	for i := range 7 {
		task, err := store.CreateTask(bg, model.Task{
			TenantID: model.DefaultTenantID, AgentID: a.ID, Status: model.TaskStatusProcessing,
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		status := model.TaskStatusCompleted
		if i == 0 {
			status = model.TaskStatusFailed
		}
		require.NoError(t, store.FinishTask(bg, model.DefaultTenantID, task.ID, model.TaskFinish{Status: status, CompletedAt: now}))
	}
	for i := range 12 {
		_, err := store.InsertMetric(bg, model.Metric{
			TenantID: model.DefaultTenantID, AgentID: a.ID, MetricName: "recommendation_generation",
			MetricValue: 2, ProcessingTime: 50, Success: true, CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	st, err := svc.Status(ctx, a.ID, model.AgentTypeRecommendation, now)
	require.NoError(t, err)
	assert.Equal(t, "operational", st.Status)
	assert.Equal(t, 7, st.Statistics.TotalTasks)
	assert.Equal(t, 6, st.Statistics.CompletedTasks)
	assert.Equal(t, 1, st.Statistics.FailedTasks)
	assert.InDelta(t, 6.0/7.0, st.Statistics.SuccessRate, 1e-9)
	assert.InDelta(t, 50.0, st.Statistics.AverageProcessingTime, 1e-9)
	require.NotNil(t, st.Statistics.TotalRecommendations)
	assert.InDelta(t, 24.0, *st.Statistics.TotalRecommendations, 1e-9)
	assert.Len(t, st.RecentMetrics, 10)
	assert.Len(t, st.RecentTasks, 5)
	assert.Equal(t, model.TaskStatusFailed, st.RecentTasks[0].Status, "newest task first")

	_, err = svc.Status(ctx, a.ID, model.AgentTypeSentiment, now)
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}
