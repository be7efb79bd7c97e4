// Package lifecycle runs a unit of agent work inside the task bookkeeping
// pattern shared by every agent: create a processing task, run the work, then
// record the terminal task state, one metric and one log entry.
//
// The three terminal writes are not transactional. When a Journal is
// configured, they are first recorded as an intent and re-applied on startup
// by ReplayPending if the process died part way through.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
	"github.com/fmaa-ecosystem/fmaa/internal/telemetry"
)

// ErrNoScope is returned when Run is called without a tenant scope in the context.
var ErrNoScope = errors.New("lifecycle: no tenant scope in context")

// Store is the subset of storage the orchestrator writes to.
type Store interface {
	storage.TaskStore
	storage.MetricStore
	storage.LogStore
}

// Unit describes one task to run.
type Unit struct {
	AgentID    uuid.UUID
	Input      map[string]any // stored as the task's input_data
	Metadata   map[string]any // initial task metadata, merged after started_at
	MetricName string         // failures are recorded as MetricName + "_error"
	Describe   string         // log prefix, e.g. "Sentiment analysis"
}

// Outcome is what successful work reports back.
type Outcome struct {
	Output         any
	MetricValue    float64
	MetricMetadata map[string]any
	TaskMetadata   map[string]any // merged into the task metadata on completion
	LogMetadata    map[string]any // merged into the completion log metadata
}

// Work is the processing step run between task creation and bookkeeping.
type Work func(ctx context.Context) (Outcome, error)

// Result is returned for a completed task.
type Result struct {
	TaskID           uuid.UUID
	Output           any
	ProcessingTimeMs int64
}

// TaskFailedError reports that the work failed and was recorded as a failed
// task. It unwraps to the work's error.
type TaskFailedError struct {
	TaskID uuid.UUID
	Err    error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskFailedError) Unwrap() error { return e.Err }

// BookkeepingError reports that a task, metric or log write failed. When the
// work itself had failed, Cause holds that error and is reachable through
// errors.Is / errors.As.
type BookkeepingError struct {
	Step   string
	TaskID uuid.UUID
	Err    error
	Cause  error
}

func (e *BookkeepingError) Error() string {
	if e.TaskID == uuid.Nil {
		return fmt.Sprintf("lifecycle: %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("lifecycle: %s for task %s: %v", e.Step, e.TaskID, e.Err)
}

func (e *BookkeepingError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Orchestrator runs work units with full task bookkeeping.
type Orchestrator struct {
	store   Store
	journal *Journal
	logger  *slog.Logger
	now     func() time.Time

	completed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates an orchestrator. journal may be nil.
func New(store Store, journal *Journal, logger *slog.Logger) *Orchestrator {
	meter := telemetry.Meter("fmaa/lifecycle")
	completed, _ := meter.Int64Counter("fmaa.tasks.completed",
		metric.WithDescription("Tasks that finished successfully"))
	failed, _ := meter.Int64Counter("fmaa.tasks.failed",
		metric.WithDescription("Tasks whose work returned an error"))
	duration, _ := meter.Float64Histogram("fmaa.tasks.duration",
		metric.WithDescription("Task processing time"),
		metric.WithUnit("ms"))

	return &Orchestrator{
		store:     store,
		journal:   journal,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		completed: completed,
		failed:    failed,
		duration:  duration,
	}
}

// Run creates a processing task, invokes work and records the outcome. On
// work failure it returns a *TaskFailedError after the failure has been
// recorded; if any bookkeeping write fails it returns a *BookkeepingError.
func (o *Orchestrator) Run(ctx context.Context, u Unit, work Work) (Result, error) {
	scope, ok := ctxutil.ScopeFromContext(ctx)
	if !ok {
		return Result{}, ErrNoScope
	}

	started := o.now()
	metadata := map[string]any{"started_at": started.Format(time.RFC3339Nano)}
	maps.Copy(metadata, u.Metadata)

	task, err := o.store.CreateTask(ctx, model.Task{
		TenantID:  scope.TenantID,
		AgentID:   u.AgentID,
		Status:    model.TaskStatusProcessing,
		InputData: u.Input,
		Metadata:  metadata,
		CreatedAt: started,
	})
	if err != nil {
		return Result{}, &BookkeepingError{Step: "create task", Err: err}
	}

	out, workErr := work(ctx)
	finished := o.now()
	elapsed := finished.Sub(started).Milliseconds()

	in := Intent{TaskID: task.ID, TenantID: scope.TenantID}
	attrs := metric.WithAttributes(attribute.String("metric_name", u.MetricName))
	if workErr == nil {
		in.Finish = model.TaskFinish{
			Status:      model.TaskStatusCompleted,
			OutputData:  out.Output,
			Metadata:    merged(map[string]any{"processing_time_ms": elapsed}, out.TaskMetadata),
			CompletedAt: finished,
		}
		in.Metric = model.Metric{
			ID:             uuid.New(),
			TenantID:       scope.TenantID,
			AgentID:        u.AgentID,
			MetricName:     u.MetricName,
			MetricValue:    out.MetricValue,
			ProcessingTime: elapsed,
			Success:        true,
			Metadata:       merged(nil, out.MetricMetadata),
			CreatedAt:      finished,
		}
		in.Log = model.LogEntry{
			ID:        uuid.New(),
			TenantID:  scope.TenantID,
			AgentID:   u.AgentID,
			Level:     model.LogLevelInfo,
			Message:   fmt.Sprintf("%s completed for task %s", u.Describe, task.ID),
			Metadata:  merged(map[string]any{"task_id": task.ID.String(), "processing_time": elapsed}, out.LogMetadata),
			CreatedAt: finished,
		}
	} else {
		msg := workErr.Error()
		in.Finish = model.TaskFinish{
			Status:       model.TaskStatusFailed,
			ErrorMessage: &msg,
			Metadata:     map[string]any{"processing_time_ms": elapsed},
			CompletedAt:  finished,
		}
		in.Metric = model.Metric{
			ID:             uuid.New(),
			TenantID:       scope.TenantID,
			AgentID:        u.AgentID,
			MetricName:     u.MetricName + "_error",
			MetricValue:    0,
			ProcessingTime: elapsed,
			Success:        false,
			Metadata:       map[string]any{"error": msg},
			CreatedAt:      finished,
		}
		in.Log = model.LogEntry{
			ID:        uuid.New(),
			TenantID:  scope.TenantID,
			AgentID:   u.AgentID,
			Level:     model.LogLevelError,
			Message:   fmt.Sprintf("%s failed for task %s", u.Describe, task.ID),
			Metadata:  map[string]any{"task_id": task.ID.String(), "error": msg},
			CreatedAt: finished,
		}
	}

	// The bookkeeping writes outlive a cancelled request so the task is not
	// left processing.
	if err := o.apply(context.WithoutCancel(ctx), in); err != nil {
		err.Cause = workErr
		return Result{}, err
	}

	o.duration.Record(ctx, float64(elapsed), attrs)
	if workErr != nil {
		o.failed.Add(ctx, 1, attrs)
		return Result{}, &TaskFailedError{TaskID: task.ID, Err: workErr}
	}
	o.completed.Add(ctx, 1, attrs)
	return Result{TaskID: task.ID, Output: out.Output, ProcessingTimeMs: elapsed}, nil
}

// apply journals the intent and performs the task update, metric insert and
// log insert, in that order.
func (o *Orchestrator) apply(ctx context.Context, in Intent) *BookkeepingError {
	journaled := false
	if o.journal != nil {
		if err := o.journal.Append(in); err != nil {
			o.logger.Warn("lifecycle: journal append failed, writing without intent",
				"task_id", in.TaskID, "error", err)
		} else {
			journaled = true
		}
	}

	if err := o.store.FinishTask(ctx, in.TenantID, in.TaskID, in.Finish); err != nil {
		return &BookkeepingError{Step: "finish task", TaskID: in.TaskID, Err: err}
	}
	if _, err := o.store.InsertMetric(ctx, in.Metric); err != nil {
		return &BookkeepingError{Step: "insert metric", TaskID: in.TaskID, Err: err}
	}
	if _, err := o.store.InsertLog(ctx, in.Log); err != nil {
		return &BookkeepingError{Step: "insert log", TaskID: in.TaskID, Err: err}
	}

	if journaled {
		if err := o.journal.Commit(in.TaskID); err != nil {
			o.logger.Warn("lifecycle: journal commit failed", "task_id", in.TaskID, "error", err)
		}
	}
	return nil
}

// ReplayPending re-applies journal intents left uncommitted by a previous
// process. A task that already left the processing state keeps its recorded
// outcome; metric and log inserts are idempotent by id. Returns the number of
// intents replayed.
func (o *Orchestrator) ReplayPending(ctx context.Context) (int, error) {
	if o.journal == nil {
		return 0, nil
	}
	pending := o.journal.Pending()
	replayed := 0
	for _, in := range pending {
		err := o.store.FinishTask(ctx, in.TenantID, in.TaskID, in.Finish)
		if err != nil && !errors.Is(err, storage.ErrTaskNotProcessing) {
			return replayed, fmt.Errorf("lifecycle: replay task %s: %w", in.TaskID, err)
		}
		if _, err := o.store.InsertMetric(ctx, in.Metric); err != nil {
			return replayed, fmt.Errorf("lifecycle: replay metric for task %s: %w", in.TaskID, err)
		}
		if _, err := o.store.InsertLog(ctx, in.Log); err != nil {
			return replayed, fmt.Errorf("lifecycle: replay log for task %s: %w", in.TaskID, err)
		}
		if err := o.journal.Commit(in.TaskID); err != nil {
			return replayed, fmt.Errorf("lifecycle: commit replayed task %s: %w", in.TaskID, err)
		}
		replayed++
	}
	if replayed > 0 {
		o.logger.Info("lifecycle: replayed journal intents", "count", replayed)
	}
	return replayed, nil
}

func merged(base, extra map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(extra))
	}
	maps.Copy(base, extra)
	return base
}
