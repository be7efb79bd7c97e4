package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// AgentResolver loads an agent the caller's tenant may access.
type AgentResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// Engine computes health snapshots from stored history.
type Engine struct {
	store  lifecycle.Store
	agents AgentResolver
	logger *slog.Logger
}

// NewEngine creates a health engine.
func NewEngine(store lifecycle.Store, agents AgentResolver, logger *slog.Logger) *Engine {
	return &Engine{store: store, agents: agents, logger: logger}
}

// Compute resolves the agent and returns its snapshot at now. It has no side
// effects.
func (e *Engine) Compute(ctx context.Context, agentID uuid.UUID, now time.Time) (Snapshot, error) {
	agent, err := e.agents.Resolve(ctx, agentID)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(ctx, agent, now)
}

func (e *Engine) snapshot(ctx context.Context, agent model.Agent, now time.Time) (Snapshot, error) {
	tenantID := ctxutil.TenantIDFromContext(ctx)

	// All tasks, not only recent ones: the activity windows are counted from
	// the full history.
	tasks, err := e.store.ListTasks(ctx, storage.TaskFilter{TenantID: tenantID, AgentID: &agent.ID})
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: list tasks: %w", err)
	}
	metrics, err := e.store.ListMetrics(ctx, storage.MetricFilter{
		TenantID: tenantID,
		AgentID:  &agent.ID,
		From:     now.Add(-24 * time.Hour),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: list metrics: %w", err)
	}
	logs, err := e.store.ListLogs(ctx, storage.LogFilter{TenantID: tenantID, AgentID: &agent.ID})
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: list logs: %w", err)
	}

	return Evaluate(agent, Derive(tasks, metrics, logs, now), now), nil
}

// PersistAlerts writes one log entry per alert: level error for high
// severity, warn otherwise.
func (e *Engine) PersistAlerts(ctx context.Context, agentID uuid.UUID, alerts []Alert) error {
	tenantID := ctxutil.TenantIDFromContext(ctx)
	for _, a := range alerts {
		level := model.LogLevelWarn
		if a.Severity == SeverityHigh {
			level = model.LogLevelError
		}
		_, err := e.store.InsertLog(ctx, model.LogEntry{
			TenantID: tenantID,
			AgentID:  agentID,
			Level:    level,
			Message:  "ALERT: " + a.Message,
			Metadata: map[string]any{
				"alert_type": a.Type,
				"alert_data": a,
			},
		})
		if err != nil {
			return fmt.Errorf("health: persist %s alert: %w", a.Type, err)
		}
	}
	return nil
}

// Service runs monitoring as a tracked task.
type Service struct {
	engine *Engine
	orch   *lifecycle.Orchestrator
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the monitoring service.
func NewService(engine *Engine, orch *lifecycle.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		engine: engine,
		orch:   orch,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Monitor computes the agent's snapshot inside the task lifecycle, then
// records an alert log entry for each breached threshold.
func (s *Service) Monitor(ctx context.Context, req model.MonitorRequest) (lifecycle.Result, error) {
	agent, err := s.engine.agents.Resolve(ctx, req.AgentID)
	if err != nil {
		return lifecycle.Result{}, err
	}

	var snap Snapshot
	res, err := s.orch.Run(ctx, lifecycle.Unit{
		AgentID:    agent.ID,
		Input:      map[string]any{"monitoring_type": req.MonitoringType},
		MetricName: "performance_monitoring",
		Describe:   "Performance monitoring",
	}, func(ctx context.Context) (lifecycle.Outcome, error) {
		var werr error
		snap, werr = s.engine.snapshot(ctx, agent, s.now())
		if werr != nil {
			return lifecycle.Outcome{}, werr
		}
		return lifecycle.Outcome{
			Output:         snap,
			MetricValue:    float64(snap.OverallHealthScore),
			MetricMetadata: map[string]any{"monitoring_type": req.MonitoringType},
			LogMetadata:    map[string]any{"health_score": snap.OverallHealthScore},
		}, nil
	})
	if err != nil {
		return lifecycle.Result{}, err
	}

	if len(snap.Alerts) > 0 {
		// The task is already final; its alerts must land with it.
		if err := s.engine.PersistAlerts(context.WithoutCancel(ctx), agent.ID, snap.Alerts); err != nil {
			return lifecycle.Result{}, &lifecycle.BookkeepingError{Step: "persist alerts", TaskID: res.TaskID, Err: err}
		}
		s.logger.Info("health: alerts raised", "agent_id", agent.ID, "count", len(snap.Alerts))
	}
	return res, nil
}

// Status returns the agent's current snapshot without recording anything.
func (s *Service) Status(ctx context.Context, agentID uuid.UUID) (Snapshot, error) {
	return s.engine.Compute(ctx, agentID, s.now())
}
