// Package fleet builds the tenant-wide monitoring report: system health over
// the last 24 hours, the best performing agents and an hour-of-day trend.
package fleet

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// TopAgentsLimit caps top_performing_agents.
const TopAgentsLimit = 5

// UnknownAgentName labels metrics whose agent no longer exists.
const UnknownAgentName = "Unknown"

// SystemHealth summarises every metric in the window.
type SystemHealth struct {
	OverallSuccessRate    float64 `json:"overall_success_rate"`
	AverageProcessingTime float64 `json:"average_processing_time"`
	TotalOperations       int     `json:"total_operations"`
	SuccessfulOperations  int     `json:"successful_operations"`
	FailedOperations      int     `json:"failed_operations"`
}

// AgentPerformance is one row of top_performing_agents.
type AgentPerformance struct {
	AgentID               uuid.UUID `json:"agent_id"`
	AgentName             string    `json:"agent_name"`
	TotalOperations       int       `json:"total_operations"`
	SuccessfulOperations  int       `json:"successful_operations"`
	TotalProcessingTime   int64     `json:"total_processing_time"`
	SuccessRate           float64   `json:"success_rate"`
	AverageProcessingTime float64   `json:"average_processing_time"`
}

// HourlyTrend is the success rate of the metrics recorded in one hour of day.
type HourlyTrend struct {
	Hour            int     `json:"hour"`
	SuccessRate     float64 `json:"success_rate"`
	TotalOperations int     `json:"total_operations"`
}

// Report is the tenant-wide monitoring report.
type Report struct {
	TenantID            uuid.UUID          `json:"tenant_id"`
	AgentsCount         int                `json:"agents_count"`
	ActiveAgents        int                `json:"active_agents"`
	SystemHealth        SystemHealth       `json:"system_health"`
	TopPerformingAgents []AgentPerformance `json:"top_performing_agents"`
	PerformanceTrends   []HourlyTrend      `json:"performance_trends"`
	GeneratedAt         time.Time          `json:"generated_at"`
}

// Store is what the aggregator reads.
type Store interface {
	ListAgents(ctx context.Context, f storage.AgentFilter) ([]model.Agent, error)
	ListMetrics(ctx context.Context, f storage.MetricFilter) ([]model.Metric, error)
}

// Aggregator builds reports for the tenant in the request scope.
type Aggregator struct {
	store  Store
	loc    *time.Location
	logger *slog.Logger
}

// NewAggregator creates an aggregator. Trend hours are taken in loc, or
// time.Local when loc is nil.
func NewAggregator(store Store, loc *time.Location, logger *slog.Logger) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{store: store, loc: loc, logger: logger}
}

// BuildReport loads the tenant's agents and last-24h metrics and summarises them.
func (a *Aggregator) BuildReport(ctx context.Context, now time.Time) (Report, error) {
	tenantID := ctxutil.TenantIDFromContext(ctx)

	agents, err := a.store.ListAgents(ctx, storage.AgentFilter{TenantID: tenantID})
	if err != nil {
		return Report{}, fmt.Errorf("fleet: list agents: %w", err)
	}
	metrics, err := a.store.ListMetrics(ctx, storage.MetricFilter{
		TenantID: tenantID,
		From:     now.Add(-24 * time.Hour),
	})
	if err != nil {
		return Report{}, fmt.Errorf("fleet: list metrics: %w", err)
	}

	active := 0
	for _, ag := range agents {
		if ag.Status == model.AgentStatusActive {
			active++
		}
	}

	return Report{
		TenantID:            tenantID,
		AgentsCount:         len(agents),
		ActiveAgents:        active,
		SystemHealth:        Summarize(metrics),
		TopPerformingAgents: TopPerformers(metrics, agents),
		PerformanceTrends:   HourlyTrends(metrics, a.loc),
		GeneratedAt:         now,
	}, nil
}

// Summarize computes the system health of a set of metrics.
func Summarize(metrics []model.Metric) SystemHealth {
	var h SystemHealth
	h.TotalOperations = len(metrics)
	var totalTime int64
	for _, m := range metrics {
		if m.Success {
			h.SuccessfulOperations++
		}
		totalTime += m.ProcessingTime
	}
	h.FailedOperations = h.TotalOperations - h.SuccessfulOperations
	if h.TotalOperations > 0 {
		h.OverallSuccessRate = float64(h.SuccessfulOperations) / float64(h.TotalOperations)
		h.AverageProcessingTime = float64(totalTime) / float64(h.TotalOperations)
	}
	return h
}

// TopPerformers groups metrics by agent in first-seen order and returns at
// most TopAgentsLimit agents by descending success rate. Ties keep their
// first-seen order.
func TopPerformers(metrics []model.Metric, agents []model.Agent) []AgentPerformance {
	names := make(map[uuid.UUID]string, len(agents))
	for _, ag := range agents {
		names[ag.ID] = ag.Name
	}

	index := make(map[uuid.UUID]int)
	var stats []AgentPerformance
	for _, m := range metrics {
		i, ok := index[m.AgentID]
		if !ok {
			i = len(stats)
			index[m.AgentID] = i
			stats = append(stats, AgentPerformance{AgentID: m.AgentID})
		}
		stats[i].TotalOperations++
		if m.Success {
			stats[i].SuccessfulOperations++
		}
		stats[i].TotalProcessingTime += m.ProcessingTime
	}

	for i := range stats {
		s := &stats[i]
		s.SuccessRate = float64(s.SuccessfulOperations) / float64(s.TotalOperations)
		s.AverageProcessingTime = float64(s.TotalProcessingTime) / float64(s.TotalOperations)
		s.AgentName = names[s.AgentID]
		if s.AgentName == "" {
			s.AgentName = UnknownAgentName
		}
	}

	slices.SortStableFunc(stats, func(a, b AgentPerformance) int {
		return cmp.Compare(b.SuccessRate, a.SuccessRate)
	})
	if len(stats) > TopAgentsLimit {
		stats = stats[:TopAgentsLimit]
	}
	if stats == nil {
		stats = []AgentPerformance{}
	}
	return stats
}

// HourlyTrends buckets metrics by hour of day in loc, returning one entry per
// non-empty hour in ascending order.
func HourlyTrends(metrics []model.Metric, loc *time.Location) []HourlyTrend {
	var total, ok [24]int
	for _, m := range metrics {
		h := m.CreatedAt.In(loc).Hour()
		total[h]++
		if m.Success {
			ok[h]++
		}
	}

	trends := []HourlyTrend{}
	for h := range 24 {
		if total[h] == 0 {
			continue
		}
		trends = append(trends, HourlyTrend{
			Hour:            h,
			SuccessRate:     float64(ok[h]) / float64(total[h]),
			TotalOperations: total[h],
		})
	}
	return trends
}
