package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

const metricColumns = `id, tenant_id, agent_id, metric_name, metric_value, processing_time, success, metadata, created_at`

func scanMetric(row pgx.Row) (model.Metric, error) {
	var m model.Metric
	err := row.Scan(
		&m.ID, &m.TenantID, &m.AgentID, &m.MetricName, &m.MetricValue,
		&m.ProcessingTime, &m.Success, &m.Metadata, &m.CreatedAt,
	)
	return m, err
}

// InsertMetric appends a metric. Re-inserting an existing id is a no-op, which
// makes journal replay safe.
func (db *DB) InsertMetric(ctx context.Context, m model.Metric) (model.Metric, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO metrics (`+metricColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.TenantID, m.AgentID, m.MetricName, m.MetricValue,
		m.ProcessingTime, m.Success, m.Metadata, m.CreatedAt,
	)
	if err != nil {
		return model.Metric{}, fmt.Errorf("storage: insert metric: %w", err)
	}
	return m, nil
}

// ListMetrics returns the tenant's metrics in [From, To), oldest first unless
// f.NewestFirst is set.
func (db *DB) ListMetrics(ctx context.Context, f MetricFilter) ([]model.Metric, error) {
	query := `SELECT ` + metricColumns + ` FROM metrics WHERE tenant_id = $1`
	args := []any{f.TenantID}
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		query += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if f.Name != "" {
		args = append(args, f.Name)
		query += fmt.Sprintf(` AND metric_name = $%d`, len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	if f.NewestFirst {
		query += ` ORDER BY created_at DESC, id`
	} else {
		query += ` ORDER BY created_at ASC, id`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
