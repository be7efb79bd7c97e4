// Package agents implements the agent factory: creating agents with per-type
// defaults, listing them with statistics, updating and deleting them under
// tenant ownership, and summarising an agent's recent activity.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// Pagination bounds for List.
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// Store is the subset of storage the factory needs.
type Store interface {
	storage.AgentStore
	storage.TaskStore
	storage.MetricStore
	storage.LogStore
}

// Service manages agents for the tenant in the request scope.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates an agent service.
func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func scopeFrom(ctx context.Context) (ctxutil.Scope, error) {
	scope, ok := ctxutil.ScopeFromContext(ctx)
	if !ok {
		return ctxutil.Scope{}, auth.ErrUnauthorized
	}
	return scope, nil
}

// Resolve loads an agent and checks that it belongs to the caller's tenant.
// Unknown ids return storage.ErrNotFound; agents of another tenant return
// auth.ErrForbidden.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return model.Agent{}, err
	}
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, err
	}
	if a.TenantID != scope.TenantID {
		return model.Agent{}, fmt.Errorf("agents: agent %s: %w", id, auth.ErrForbidden)
	}
	return a, nil
}

// Create validates req, merges the type's default config and stores a new
// inactive agent owned by the caller.
func (s *Service) Create(ctx context.Context, req model.CreateAgentRequest) (model.Agent, error) {
	if err := req.Validate(); err != nil {
		return model.Agent{}, err
	}
	scope, err := scopeFrom(ctx)
	if err != nil {
		return model.Agent{}, err
	}

	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("%s analysis agent", req.Type)
	}
	agent, err := s.store.CreateAgent(ctx, model.Agent{
		TenantID:    scope.TenantID,
		Name:        strings.TrimSpace(req.Name),
		Description: desc,
		Type:        req.Type,
		Status:      model.AgentStatusInactive,
		Version:     model.DefaultAgentVersion,
		EndpointURL: fmt.Sprintf("/api/%s-agent", req.Type),
		Config:      model.DefaultAgentConfig(req.Type).Merge(req.Config),
		CreatedBy:   scope.UserID,
	})
	if err != nil {
		return model.Agent{}, fmt.Errorf("agents: create: %w", err)
	}

	s.audit(ctx, agent, "Agent created: "+agent.Name, map[string]any{
		"type":   agent.Type,
		"config": agent.Config,
	})
	return agent, nil
}

// ListParams filters and pages List.
type ListParams struct {
	Status model.AgentStatus
	Type   model.AgentType
	Page   int
	Limit  int
}

// Normalize applies the pagination defaults and bounds.
func (p *ListParams) Normalize() {
	if p.Page < 1 {
		p.Page = DefaultPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
}

// ListResult is one page of agents plus statistics over every match.
type ListResult struct {
	Agents     []model.Agent
	Pagination model.Pagination
	Statistics model.AgentStatistics
}

// List returns the caller's agents matching p.
func (s *Service) List(ctx context.Context, p ListParams) (ListResult, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return ListResult{}, err
	}
	p.Normalize()
	if p.Status != "" && !p.Status.Valid() {
		return ListResult{}, &model.ValidationError{Field: "status", Message: fmt.Sprintf("invalid status %q", p.Status)}
	}
	if p.Type != "" && !p.Type.Valid() {
		return ListResult{}, &model.ValidationError{Field: "type", Message: fmt.Sprintf("invalid type %q", p.Type)}
	}

	// Statistics cover every match, so the page is cut in memory.
	all, err := s.store.ListAgents(ctx, storage.AgentFilter{TenantID: scope.TenantID, Status: p.Status, Type: p.Type})
	if err != nil {
		return ListResult{}, fmt.Errorf("agents: list: %w", err)
	}

	start := min((p.Page-1)*p.Limit, len(all))
	end := min(start+p.Limit, len(all))
	page := all[start:end]
	if page == nil {
		page = []model.Agent{}
	}
	return ListResult{
		Agents:     page,
		Pagination: model.NewPagination(p.Page, p.Limit, len(all)),
		Statistics: model.NewAgentStatistics(all),
	}, nil
}

// Update applies req to an agent of the caller's tenant.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req model.UpdateAgentRequest) (model.Agent, error) {
	if err := req.Validate(); err != nil {
		return model.Agent{}, err
	}
	existing, err := s.Resolve(ctx, id)
	if err != nil {
		return model.Agent{}, err
	}

	updated, err := s.store.UpdateAgent(ctx, req.Apply(existing))
	if err != nil {
		return model.Agent{}, fmt.Errorf("agents: update: %w", err)
	}

	s.audit(ctx, updated, "Agent updated: "+updated.Name, map[string]any{"updates": req})
	return updated, nil
}

// Delete removes an agent of the caller's tenant. Its tasks, metrics and logs
// are kept.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	existing, err := s.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, existing.TenantID, id); err != nil {
		return fmt.Errorf("agents: delete: %w", err)
	}

	s.audit(ctx, existing, "Agent deleted: "+existing.Name, map[string]any{"deleted_agent": existing})
	return nil
}

// audit records an info log entry for the agent. A failed write is logged and
// does not undo the change.
func (s *Service) audit(ctx context.Context, a model.Agent, msg string, metadata map[string]any) {
	_, err := s.store.InsertLog(ctx, model.LogEntry{
		TenantID: a.TenantID,
		AgentID:  a.ID,
		Level:    model.LogLevelInfo,
		Message:  msg,
		Metadata: metadata,
	})
	if err != nil {
		s.logger.Error("agents: audit log write failed", "agent_id", a.ID, "message", msg, "error", err)
		return
	}
	s.logger.Info(msg, "agent_id", a.ID, "tenant_id", a.TenantID)
}

// Statistics summarises an agent's tasks and last-24h metrics.
type Statistics struct {
	TotalTasks            int      `json:"total_tasks"`
	CompletedTasks        int      `json:"completed_tasks"`
	FailedTasks           int      `json:"failed_tasks"`
	AverageProcessingTime float64  `json:"average_processing_time"`
	SuccessRate           float64  `json:"success_rate"`
	TotalRecommendations  *float64 `json:"total_recommendations,omitempty"`
}

// Status is the activity summary returned by the per-kind status endpoints.
type Status struct {
	AgentID       uuid.UUID      `json:"agent_id"`
	Status        string         `json:"status"`
	Statistics    Statistics     `json:"statistics"`
	RecentMetrics []model.Metric `json:"recent_metrics"`
	RecentTasks   []model.Task   `json:"recent_tasks"`
}

// Recent item counts in Status.
const (
	recentMetricsLimit = 10
	recentTasksLimit   = 5
)

// ErrWrongType is returned by Status when the agent is not of the requested kind.
var ErrWrongType = errors.New("agent is of a different type")

// Status returns the agent's activity summary. want, when set, must match the
// agent's type. Recommendation agents also report the number of
// recommendations produced in the last 24 hours.
func (s *Service) Status(ctx context.Context, id uuid.UUID, want model.AgentType, now time.Time) (Status, error) {
	agent, err := s.Resolve(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if want != "" && agent.Type != want {
		return Status{}, &model.ValidationError{Field: "agentId", Message: fmt.Sprintf("%v: %s", ErrWrongType, agent.Type)}
	}

	metrics, err := s.store.ListMetrics(ctx, storage.MetricFilter{
		TenantID:    agent.TenantID,
		AgentID:     &agent.ID,
		From:        now.Add(-24 * time.Hour),
		NewestFirst: true,
	})
	if err != nil {
		return Status{}, fmt.Errorf("agents: status metrics: %w", err)
	}
	tasks, err := s.store.ListTasks(ctx, storage.TaskFilter{TenantID: agent.TenantID, AgentID: &agent.ID})
	if err != nil {
		return Status{}, fmt.Errorf("agents: status tasks: %w", err)
	}

	var stats Statistics
	stats.TotalTasks = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case model.TaskStatusCompleted:
			stats.CompletedTasks++
		case model.TaskStatusFailed:
			stats.FailedTasks++
		}
	}
	if stats.TotalTasks > 0 {
		stats.SuccessRate = float64(stats.CompletedTasks) / float64(stats.TotalTasks)
	}
	var totalTime int64
	var totalValue float64
	for _, m := range metrics {
		totalTime += m.ProcessingTime
		totalValue += m.MetricValue
	}
	if len(metrics) > 0 {
		stats.AverageProcessingTime = float64(totalTime) / float64(len(metrics))
	}
	if agent.Type == model.AgentTypeRecommendation {
		stats.TotalRecommendations = &totalValue
	}

	return Status{
		AgentID:       agent.ID,
		Status:        "operational",
		Statistics:    stats,
		RecentMetrics: head(metrics, recentMetricsLimit),
		RecentTasks:   head(tasks, recentTasksLimit),
	}, nil
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		s = s[:n]
	}
	if s == nil {
		s = []T{}
	}
	return s
}
