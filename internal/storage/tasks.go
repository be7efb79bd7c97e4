package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

const taskColumns = `id, tenant_id, agent_id, status, input_data, output_data, error_message, metadata, created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.TenantID, &t.AgentID, &t.Status, &t.InputData, &t.OutputData,
		&t.ErrorMessage, &t.Metadata, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	return t, err
}

// CreateTask inserts a task. Missing id, timestamps and maps are filled in.
func (db *DB) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	if t.InputData == nil {
		t.InputData = map[string]any{}
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.TenantID, t.AgentID, string(t.Status), t.InputData, t.OutputData,
		t.ErrorMessage, t.Metadata, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: create task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task scoped to the tenant.
func (db *DB) GetTask(ctx context.Context, tenantID, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// FinishTask moves a processing task to its terminal state. The status guard
// makes the transition happen at most once.
func (db *DB) FinishTask(ctx context.Context, tenantID, id uuid.UUID, f model.TaskFinish) error {
	metadata := f.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $1, output_data = $2, error_message = $3, metadata = metadata || $4,
		     completed_at = $5, updated_at = $5
		 WHERE id = $6 AND tenant_id = $7 AND status = 'processing'`,
		string(f.Status), f.OutputData, f.ErrorMessage, metadata, f.CompletedAt, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: task %s: %w", id, ErrTaskNotProcessing)
	}
	return nil
}

// ListTasks returns the tenant's tasks, newest first.
func (db *DB) ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1`
	args := []any{f.TenantID}
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		query += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
