package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

const logColumns = `id, tenant_id, agent_id, level, message, metadata, created_at`

func scanLog(row pgx.Row) (model.LogEntry, error) {
	var l model.LogEntry
	err := row.Scan(&l.ID, &l.TenantID, &l.AgentID, &l.Level, &l.Message, &l.Metadata, &l.CreatedAt)
	return l, err
}

// InsertLog appends a log entry. Re-inserting an existing id is a no-op.
func (db *DB) InsertLog(ctx context.Context, l model.LogEntry) (model.LogEntry, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_logs (`+logColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		l.ID, l.TenantID, l.AgentID, string(l.Level), l.Message, l.Metadata, l.CreatedAt,
	)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("storage: insert log: %w", err)
	}
	return l, nil
}

// ListLogs returns the tenant's log entries, newest first.
func (db *DB) ListLogs(ctx context.Context, f LogFilter) ([]model.LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM agent_logs WHERE tenant_id = $1`
	args := []any{f.TenantID}
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		query += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if f.Level != "" {
		args = append(args, string(f.Level))
		query += fmt.Sprintf(` AND level = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()

	var logs []model.LogEntry
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
