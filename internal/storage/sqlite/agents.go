package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

const agentColumns = `id, tenant_id, name, description, type, status, version, endpoint_url, config, created_by, created_at, updated_at`

func scanAgent(row rowScanner) (model.Agent, error) {
	var (
		a                    model.Agent
		config               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Description, &a.Type, &a.Status,
		&a.Version, &a.EndpointURL, &config, &a.CreatedBy, &createdAt, &updatedAt,
	); err != nil {
		return model.Agent{}, err
	}
	if err := json.Unmarshal([]byte(config), &a.Config); err != nil {
		return model.Agent{}, fmt.Errorf("decode agent config: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return a, nil
}

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	config, err := encodeJSON(a.Config)
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: encode agent config: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Name, a.Description, string(a.Type), string(a.Status),
		a.Version, a.EndpointURL, config, a.CreatedBy, toNanos(a.CreatedAt), toNanos(a.UpdatedAt),
	); err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: create agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by id across all tenants.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("sqlite: agent %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return a, nil
}

func agentWhere(f storage.AgentFilter) (string, []any) {
	where := ` WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	return where, args
}

// ListAgents returns the tenant's agents, newest first.
func (s *Store) ListAgents(ctx context.Context, f storage.AgentFilter) ([]model.Agent, error) {
	where, args := agentWhere(f)
	query := `SELECT ` + agentColumns + ` FROM agents` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents counts the tenant's agents matching f.
func (s *Store) CountAgents(ctx context.Context, f storage.AgentFilter) (int, error) {
	where, args := agentWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM agents`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count agents: %w", err)
	}
	return n, nil
}

// UpdateAgent writes the mutable fields of a.
func (s *Store) UpdateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	config, err := encodeJSON(a.Config)
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: encode agent config: %w", err)
	}
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, description = ?, status = ?, version = ?, config = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		a.Name, a.Description, string(a.Status), a.Version, config, toNanos(a.UpdatedAt), a.ID, a.TenantID,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Agent{}, fmt.Errorf("sqlite: agent %s: %w", a.ID, storage.ErrNotFound)
	}
	return s.GetAgent(ctx, a.ID)
}

// DeleteAgent removes an agent. Its tasks, metrics and logs are kept.
func (s *Store) DeleteAgent(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("sqlite: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: agent %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
