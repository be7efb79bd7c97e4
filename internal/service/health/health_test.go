package health

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

func TestDeriveEmptyHistory(t *testing.T) {
	p := Derive(nil, nil, nil, time.Now())
	assert.Zero(t, p.TotalTasks)
	assert.Zero(t, p.SuccessRate)
	assert.Zero(t, p.ErrorRate)
	assert.Zero(t, p.AverageProcessingTime)
}

func TestDeriveCounts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tasks := []model.Task{
		{Status: model.TaskStatusCompleted, CreatedAt: now.Add(-time.Hour)},
		{Status: model.TaskStatusCompleted, CreatedAt: now.Add(-48 * time.Hour)},
		{Status: model.TaskStatusFailed, CreatedAt: now.Add(-24 * time.Hour)}, // on the boundary: excluded
		{Status: model.TaskStatusProcessing, CreatedAt: now.Add(-10 * 24 * time.Hour)},
	}
	metrics := []model.Metric{{ProcessingTime: 100}, {ProcessingTime: 300}}
	logs := []model.LogEntry{
		{Level: model.LogLevelError}, {Level: model.LogLevelWarn}, {Level: model.LogLevelWarn},
		{Level: model.LogLevelInfo}, {Level: model.LogLevelDebug},
	}

	p := Derive(tasks, metrics, logs, now)
	assert.Equal(t, 4, p.TotalTasks)
	assert.Equal(t, 2, p.CompletedTasks)
	assert.Equal(t, 1, p.FailedTasks)
	assert.Equal(t, 1, p.ProcessingTasks)
	assert.Zero(t, p.PendingTasks)
	assert.InDelta(t, 0.5, p.SuccessRate, 1e-9)
	assert.InDelta(t, 0.25, p.ErrorRate, 1e-9)
	assert.InDelta(t, 200.0, p.AverageProcessingTime, 1e-9)
	assert.Equal(t, 1, p.TasksLast24h)
	assert.Equal(t, 3, p.TasksLast7d)
	assert.Equal(t, 1, p.ErrorLogs)
	assert.Equal(t, 2, p.WarningLogs)
	assert.Equal(t, 1, p.InfoLogs)
}

func TestEvaluateWorstCase(t *testing.T) {
	p := Performance{ErrorRate: 0.25, AverageProcessingTime: 12000, TasksLast24h: 0, ErrorLogs: 6}
	snap := Evaluate(model.Agent{ID: uuid.New(), Name: "a"}, p, time.Now())

	assert.Equal(t, 0, snap.OverallHealthScore)
	assert.Equal(t, StatusCritical, snap.HealthStatus)
	require.Len(t, snap.Alerts, 3)
	assert.Equal(t, "error_rate", snap.Alerts[0].Type)
	assert.Equal(t, SeverityHigh, snap.Alerts[0].Severity)
	assert.Equal(t, "High error rate detected: 25.0%", snap.Alerts[0].Message)
	assert.InDelta(t, 25.0, snap.Alerts[0].CurrentValue, 1e-9)
	assert.Equal(t, "processing_time", snap.Alerts[1].Type)
	assert.Equal(t, "Slow processing time: 12000ms", snap.Alerts[1].Message)
	assert.Equal(t, "inactivity", snap.Alerts[2].Type)
	assert.Equal(t, SeverityLow, snap.Alerts[2].Severity)
	assert.Equal(t, []string{RecReviewErrors, RecOptimize, RecCheckConfig, RecReconfigure}, snap.Recommendations)
}

func TestEvaluateHealthyAgent(t *testing.T) {
	p := Performance{ErrorRate: 0.05, AverageProcessingTime: 2000, TasksLast24h: 5, ErrorLogs: 0}
	agent := model.Agent{ID: uuid.New(), Name: "ok", Type: model.AgentTypeSentiment, Status: model.AgentStatusActive, Version: "1.0.0"}
	now := time.Now()
	snap := Evaluate(agent, p, now)

	assert.Equal(t, 100, snap.OverallHealthScore)
	assert.Equal(t, StatusHealthy, snap.HealthStatus)
	assert.NotNil(t, snap.Alerts)
	assert.Empty(t, snap.Alerts)
	assert.Empty(t, snap.Recommendations)
	assert.Equal(t, agent.ID, snap.AgentInfo.ID)
	assert.Equal(t, "1.0.0", snap.AgentInfo.Version)
	assert.Equal(t, now, snap.MonitoringTimestamp)
}

func TestScoreMonotone(t *testing.T) {
	errorRates := []float64{0, 0.05, 0.1, 0.1001, 0.2, 0.2001, 0.5, 1}
	avgTimes := []float64{0, 4999, 5000, 5001, 10000, 10001, 60000}
	errorLogs := []int{0, 5, 6, 100}

	for _, active := range []int{0, 1} {
		for i, er := range errorRates {
			for j, avg := range avgTimes {
				for k, el := range errorLogs {
					s := Score(Performance{ErrorRate: er, AverageProcessingTime: avg, ErrorLogs: el, TasksLast24h: active})
					assert.GreaterOrEqual(t, s, 0)
					assert.LessOrEqual(t, s, 100)
					if i > 0 {
						prev := Score(Performance{ErrorRate: errorRates[i-1], AverageProcessingTime: avg, ErrorLogs: el, TasksLast24h: active})
						assert.LessOrEqual(t, s, prev, "error_rate %v -> %v", errorRates[i-1], er)
					}
					if j > 0 {
						prev := Score(Performance{ErrorRate: er, AverageProcessingTime: avgTimes[j-1], ErrorLogs: el, TasksLast24h: active})
						assert.LessOrEqual(t, s, prev, "avg %v -> %v", avgTimes[j-1], avg)
					}
					if k > 0 {
						prev := Score(Performance{ErrorRate: er, AverageProcessingTime: avg, ErrorLogs: errorLogs[k-1], TasksLast24h: active})
						assert.LessOrEqual(t, s, prev, "error_logs %v -> %v", errorLogs[k-1], el)
					}
				}
			}
		}
	}
}

func TestTier(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{100, StatusHealthy},
		{80, StatusHealthy},
		{79, StatusWarning},
		{60, StatusWarning},
		{59, StatusCritical},
		{0, StatusCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Tier(tc.score), "score %d", tc.score)
	}
}

func TestAlertThresholdsAreStrict(t *testing.T) {
	p := Performance{ErrorRate: 0.2, AverageProcessingTime: 10000, TasksLast24h: 1}
	assert.Empty(t, Alerts(p))
	assert.Equal(t, 100-20-15, Score(p))
	assert.Equal(t, []string{RecReviewErrors, RecOptimize}, Recommendations(p, Score(p)))
}

func TestProcessingTimeAlertFormatsFractions(t *testing.T) {
	alerts := Alerts(Performance{AverageProcessingTime: 10500.5, TasksLast24h: 1})
	require.Len(t, alerts, 1)
	assert.Equal(t, "Slow processing time: 10500.5ms", alerts[0].Message)
}
