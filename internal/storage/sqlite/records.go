package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

const metricColumns = `id, tenant_id, agent_id, metric_name, metric_value, processing_time, success, metadata, created_at`

func scanMetric(row rowScanner) (model.Metric, error) {
	var (
		m         model.Metric
		metadata  string
		createdAt int64
	)
	if err := row.Scan(
		&m.ID, &m.TenantID, &m.AgentID, &m.MetricName, &m.MetricValue,
		&m.ProcessingTime, &m.Success, &metadata, &createdAt,
	); err != nil {
		return model.Metric{}, err
	}
	var err error
	if m.Metadata, err = decodeMap(metadata); err != nil {
		return model.Metric{}, fmt.Errorf("decode metric metadata: %w", err)
	}
	m.CreatedAt = fromNanos(createdAt)
	return m, nil
}

// InsertMetric appends a metric. Re-inserting an existing id is a no-op.
func (s *Store) InsertMetric(ctx context.Context, m model.Metric) (model.Metric, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	metadata, err := encodeJSON(m.Metadata)
	if err != nil {
		return model.Metric{}, fmt.Errorf("sqlite: encode metric metadata: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (`+metricColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.TenantID, m.AgentID, m.MetricName, m.MetricValue,
		m.ProcessingTime, m.Success, metadata, toNanos(m.CreatedAt),
	); err != nil {
		return model.Metric{}, fmt.Errorf("sqlite: insert metric: %w", err)
	}
	return m, nil
}

// ListMetrics returns the tenant's metrics in [From, To).
func (s *Store) ListMetrics(ctx context.Context, f storage.MetricFilter) ([]model.Metric, error) {
	query := `SELECT ` + metricColumns + ` FROM metrics WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *f.AgentID)
	}
	if f.Name != "" {
		query += ` AND metric_name = ?`
		args = append(args, f.Name)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, toNanos(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, toNanos(f.To))
	}
	if f.NewestFirst {
		query += ` ORDER BY created_at DESC, id`
	} else {
		query += ` ORDER BY created_at ASC, id`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []model.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

const logColumns = `id, tenant_id, agent_id, level, message, metadata, created_at`

func scanLog(row rowScanner) (model.LogEntry, error) {
	var (
		l         model.LogEntry
		metadata  string
		createdAt int64
	)
	if err := row.Scan(&l.ID, &l.TenantID, &l.AgentID, &l.Level, &l.Message, &metadata, &createdAt); err != nil {
		return model.LogEntry{}, err
	}
	var err error
	if l.Metadata, err = decodeMap(metadata); err != nil {
		return model.LogEntry{}, fmt.Errorf("decode log metadata: %w", err)
	}
	l.CreatedAt = fromNanos(createdAt)
	return l, nil
}

// InsertLog appends a log entry. Re-inserting an existing id is a no-op.
func (s *Store) InsertLog(ctx context.Context, l model.LogEntry) (model.LogEntry, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}
	metadata, err := encodeJSON(l.Metadata)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("sqlite: encode log metadata: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		l.ID, l.TenantID, l.AgentID, string(l.Level), l.Message, metadata, toNanos(l.CreatedAt),
	); err != nil {
		return model.LogEntry{}, fmt.Errorf("sqlite: insert log: %w", err)
	}
	return l, nil
}

// ListLogs returns the tenant's log entries, newest first.
func (s *Store) ListLogs(ctx context.Context, f storage.LogFilter) ([]model.LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM agent_logs WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *f.AgentID)
	}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(f.Level))
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []model.LogEntry
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
