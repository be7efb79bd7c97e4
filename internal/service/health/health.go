// Package health derives an agent's health from its task, metric and log
// history: a 0-100 score, a tier, threshold alerts and recommendations.
// Nothing computed here is persisted except the alert log entries written by
// PersistAlerts.
package health

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

// Health tiers.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Alert severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Recommendations, in the order they are emitted.
const (
	RecReviewErrors = "Review error logs and fix recurring issues"
	RecOptimize     = "Optimize processing algorithms or increase resources"
	RecCheckConfig  = "Check agent configuration and input sources"
	RecReconfigure  = "Consider agent restart or reconfiguration"
)

const msgInactivity = "No tasks processed in the last 24 hours"

// Performance holds the figures derived from an agent's history.
type Performance struct {
	TotalTasks            int     `json:"total_tasks"`
	CompletedTasks        int     `json:"completed_tasks"`
	FailedTasks           int     `json:"failed_tasks"`
	PendingTasks          int     `json:"pending_tasks"`
	ProcessingTasks       int     `json:"processing_tasks"`
	SuccessRate           float64 `json:"success_rate"`
	AverageProcessingTime float64 `json:"average_processing_time"`
	ErrorRate             float64 `json:"error_rate"`
	TasksLast24h          int     `json:"tasks_last_24h"`
	TasksLast7d           int     `json:"tasks_last_7d"`
	ErrorLogs             int     `json:"error_logs"`
	WarningLogs           int     `json:"warning_logs"`
	InfoLogs              int     `json:"info_logs"`
}

// Alert is a threshold breach.
type Alert struct {
	Type         string  `json:"type"`
	Severity     string  `json:"severity"`
	Message      string  `json:"message"`
	Threshold    float64 `json:"threshold"`
	CurrentValue float64 `json:"current_value"`
}

// AgentInfo identifies the agent a snapshot describes.
type AgentInfo struct {
	ID      uuid.UUID         `json:"id"`
	Name    string            `json:"name"`
	Type    model.AgentType   `json:"type"`
	Status  model.AgentStatus `json:"status"`
	Version string            `json:"version"`
}

// Snapshot is the full health report for one agent at one instant.
type Snapshot struct {
	AgentInfo           AgentInfo   `json:"agent_info"`
	PerformanceMetrics  Performance `json:"performance_metrics"`
	OverallHealthScore  int         `json:"overall_health_score"`
	HealthStatus        string      `json:"health_status"`
	Alerts              []Alert     `json:"alerts"`
	Recommendations     []string    `json:"recommendations"`
	MonitoringTimestamp time.Time   `json:"monitoring_timestamp"`
}

// Derive computes Performance from an agent's tasks, its metrics of the last
// 24 hours and its logs. Activity windows use strict comparison: a task
// created exactly 24h before now is outside the window.
func Derive(tasks []model.Task, metrics []model.Metric, logs []model.LogEntry, now time.Time) Performance {
	var p Performance
	p.TotalTasks = len(tasks)

	last24h := now.Add(-24 * time.Hour)
	last7d := now.Add(-7 * 24 * time.Hour)
	for _, t := range tasks {
		switch t.Status {
		case model.TaskStatusCompleted:
			p.CompletedTasks++
		case model.TaskStatusFailed:
			p.FailedTasks++
		case model.TaskStatusPending:
			p.PendingTasks++
		case model.TaskStatusProcessing:
			p.ProcessingTasks++
		}
		if t.CreatedAt.After(last24h) {
			p.TasksLast24h++
		}
		if t.CreatedAt.After(last7d) {
			p.TasksLast7d++
		}
	}
	if p.TotalTasks > 0 {
		p.SuccessRate = float64(p.CompletedTasks) / float64(p.TotalTasks)
		p.ErrorRate = float64(p.FailedTasks) / float64(p.TotalTasks)
	}

	if len(metrics) > 0 {
		var sum int64
		for _, m := range metrics {
			sum += m.ProcessingTime
		}
		p.AverageProcessingTime = float64(sum) / float64(len(metrics))
	}

	for _, l := range logs {
		switch l.Level {
		case model.LogLevelError:
			p.ErrorLogs++
		case model.LogLevelWarn:
			p.WarningLogs++
		case model.LogLevelInfo:
			p.InfoLogs++
		}
	}
	return p
}

// Score applies the cumulative deductions and floors the result at 0.
func Score(p Performance) int {
	score := 100
	if p.ErrorRate > 0.1 {
		score -= 20
	}
	if p.ErrorRate > 0.2 {
		score -= 30
	}
	if p.AverageProcessingTime > 5000 {
		score -= 15
	}
	if p.AverageProcessingTime > 10000 {
		score -= 25
	}
	if p.TasksLast24h == 0 {
		score -= 10
	}
	if p.ErrorLogs > 5 {
		score -= 15
	}
	return max(score, 0)
}

// Tier maps a score to healthy, warning or critical.
func Tier(score int) string {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 60:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// Alerts returns one alert per breached threshold. The result is empty, not
// nil, when nothing is breached.
func Alerts(p Performance) []Alert {
	alerts := []Alert{}
	if p.ErrorRate > 0.2 {
		alerts = append(alerts, Alert{
			Type:         "error_rate",
			Severity:     SeverityHigh,
			Message:      fmt.Sprintf("High error rate detected: %.1f%%", p.ErrorRate*100),
			Threshold:    20,
			CurrentValue: p.ErrorRate * 100,
		})
	}
	if p.AverageProcessingTime > 10000 {
		alerts = append(alerts, Alert{
			Type:         "processing_time",
			Severity:     SeverityMedium,
			Message:      "Slow processing time: " + strconv.FormatFloat(p.AverageProcessingTime, 'f', -1, 64) + "ms",
			Threshold:    10000,
			CurrentValue: p.AverageProcessingTime,
		})
	}
	if p.TasksLast24h == 0 {
		alerts = append(alerts, Alert{
			Type:         "inactivity",
			Severity:     SeverityLow,
			Message:      msgInactivity,
			Threshold:    1,
			CurrentValue: 0,
		})
	}
	return alerts
}

// Recommendations returns remediation hints for p and its score.
func Recommendations(p Performance, score int) []string {
	recs := []string{}
	if p.ErrorRate > 0.1 {
		recs = append(recs, RecReviewErrors)
	}
	if p.AverageProcessingTime > 5000 {
		recs = append(recs, RecOptimize)
	}
	if p.TasksLast24h == 0 {
		recs = append(recs, RecCheckConfig)
	}
	if score < 60 {
		recs = append(recs, RecReconfigure)
	}
	return recs
}

// Evaluate builds a snapshot for agent from its derived performance.
func Evaluate(agent model.Agent, p Performance, now time.Time) Snapshot {
	score := Score(p)
	return Snapshot{
		AgentInfo: AgentInfo{
			ID:      agent.ID,
			Name:    agent.Name,
			Type:    agent.Type,
			Status:  agent.Status,
			Version: agent.Version,
		},
		PerformanceMetrics:  p,
		OverallHealthScore:  score,
		HealthStatus:        Tier(score),
		Alerts:              Alerts(p),
		Recommendations:     Recommendations(p, score),
		MonitoringTimestamp: now,
	}
}
