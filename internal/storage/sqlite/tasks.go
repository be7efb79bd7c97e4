package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

const taskColumns = `id, tenant_id, agent_id, status, input_data, output_data, error_message, metadata, created_at, updated_at, completed_at`

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t                    model.Task
		input, metadata      string
		output, errMsg       sql.NullString
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.AgentID, &t.Status, &input, &output,
		&errMsg, &metadata, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return model.Task{}, err
	}

	var err error
	if t.InputData, err = decodeMap(input); err != nil {
		return model.Task{}, fmt.Errorf("decode input_data: %w", err)
	}
	if t.Metadata, err = decodeMap(metadata); err != nil {
		return model.Task{}, fmt.Errorf("decode metadata: %w", err)
	}
	if output.Valid {
		if err := json.Unmarshal([]byte(output.String), &t.OutputData); err != nil {
			return model.Task{}, fmt.Errorf("decode output_data: %w", err)
		}
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	t.CreatedAt, t.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	if completedAt.Valid {
		c := fromNanos(completedAt.Int64)
		t.CompletedAt = &c
	}
	return t, nil
}

// CreateTask inserts a task. Missing id, timestamps and maps are filled in.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
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

	input, err := encodeJSON(t.InputData)
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlite: encode input_data: %w", err)
	}
	metadata, err := encodeJSON(t.Metadata)
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlite: encode metadata: %w", err)
	}
	output, err := encodeNullJSON(t.OutputData)
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlite: encode output_data: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.AgentID, string(t.Status), input, output, t.ErrorMessage,
		metadata, toNanos(t.CreatedAt), toNanos(t.UpdatedAt), nullNanos(t.CompletedAt),
	); err != nil {
		return model.Task{}, fmt.Errorf("sqlite: create task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task scoped to the tenant.
func (s *Store) GetTask(ctx context.Context, tenantID, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("sqlite: task %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlite: get task: %w", err)
	}
	return t, nil
}

// FinishTask moves a processing task to its terminal state exactly once.
func (s *Store) FinishTask(ctx context.Context, tenantID, id uuid.UUID, f model.TaskFinish) error {
	setMetadata, patchArgs, err := metadataSet(f.Metadata)
	if err != nil {
		return err
	}
	output, err := encodeNullJSON(f.OutputData)
	if err != nil {
		return fmt.Errorf("sqlite: encode output_data: %w", err)
	}

	completed := toNanos(f.CompletedAt)
	args := []any{string(f.Status), output, f.ErrorMessage}
	args = append(args, patchArgs...)
	args = append(args, completed, completed, id, tenantID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, output_data = ?, error_message = ?, metadata = `+setMetadata+`,
		     completed_at = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = 'processing'`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: task %s: %w", id, storage.ErrTaskNotProcessing)
	}
	return nil
}

// metadataSet builds a json_set expression that replaces each top-level key
// of patch wholesale, matching jsonb || in Postgres. json_patch would merge
// nested objects and drop null-valued keys instead.
func metadataSet(patch map[string]any) (string, []any, error) {
	if len(patch) == 0 {
		return "metadata", nil, nil
	}
	var (
		expr strings.Builder
		args []any
	)
	expr.WriteString("json_set(metadata")
	for _, k := range slices.Sorted(maps.Keys(patch)) {
		// JSON paths have no escape for a quote inside a quoted label.
		if strings.ContainsRune(k, '"') {
			return "", nil, fmt.Errorf("sqlite: metadata key %q contains a double quote", k)
		}
		v, err := encodeJSON(patch[k])
		if err != nil {
			return "", nil, fmt.Errorf("sqlite: encode metadata %q: %w", k, err)
		}
		expr.WriteString(", ?, json(?)")
		args = append(args, `$."`+k+`"`, v)
	}
	expr.WriteString(")")
	return expr.String(), args, nil
}

// ListTasks returns the tenant's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, f storage.TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *f.AgentID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
