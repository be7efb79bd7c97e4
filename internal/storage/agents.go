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

const agentColumns = `id, tenant_id, name, description, type, status, version, endpoint_url, config, created_by, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Description, &a.Type, &a.Status,
		&a.Version, &a.EndpointURL, &a.Config, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.TenantID, a.Name, a.Description, string(a.Type), string(a.Status),
		a.Version, a.EndpointURL, a.Config, a.CreatedBy, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by id across all tenants.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

func agentWhere(f AgentFilter) (string, []any) {
	where := ` WHERE tenant_id = $1`
	args := []any{f.TenantID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	return where, args
}

// ListAgents returns the tenant's agents, newest first.
func (db *DB) ListAgents(ctx context.Context, f AgentFilter) ([]model.Agent, error) {
	where, args := agentWhere(f)
	query := `SELECT ` + agentColumns + ` FROM agents` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents counts the tenant's agents matching f, ignoring Limit and Offset.
func (db *DB) CountAgents(ctx context.Context, f AgentFilter) (int, error) {
	where, args := agentWhere(f)
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM agents`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return n, nil
}

// UpdateAgent writes the mutable fields of a. Serialization conflicts are retried.
func (db *DB) UpdateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	a.UpdatedAt = time.Now().UTC()
	var updated model.Agent
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		updated, err = scanAgent(db.pool.QueryRow(ctx,
			`UPDATE agents
			 SET name = $1, description = $2, status = $3, version = $4, config = $5, updated_at = $6
			 WHERE id = $7 AND tenant_id = $8
			 RETURNING `+agentColumns,
			a.Name, a.Description, string(a.Status), a.Version, a.Config, a.UpdatedAt, a.ID, a.TenantID,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", a.ID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	return updated, nil
}

// DeleteAgent removes an agent. Its tasks, metrics and logs are kept.
func (db *DB) DeleteAgent(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return nil
}
