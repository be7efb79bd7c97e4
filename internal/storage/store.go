package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

// AgentStore persists agent definitions.
type AgentStore interface {
	CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	// GetAgent loads an agent by id regardless of tenant. Callers compare
	// TenantID themselves so they can tell "missing" from "not yours".
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]model.Agent, error)
	CountAgents(ctx context.Context, f AgentFilter) (int, error)
	UpdateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	DeleteAgent(ctx context.Context, tenantID, id uuid.UUID) error
}

// TaskStore persists task records.
type TaskStore interface {
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	GetTask(ctx context.Context, tenantID, id uuid.UUID) (model.Task, error)
	// FinishTask applies the terminal patch only while the task is still
	// processing. It returns ErrTaskNotProcessing otherwise.
	FinishTask(ctx context.Context, tenantID, id uuid.UUID, f model.TaskFinish) error
	ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error)
}

// MetricStore appends and queries metrics.
type MetricStore interface {
	// InsertMetric is idempotent on the metric id.
	InsertMetric(ctx context.Context, m model.Metric) (model.Metric, error)
	ListMetrics(ctx context.Context, f MetricFilter) ([]model.Metric, error)
}

// LogStore appends and queries agent log entries.
type LogStore interface {
	// InsertLog is idempotent on the entry id.
	InsertLog(ctx context.Context, l model.LogEntry) (model.LogEntry, error)
	ListLogs(ctx context.Context, f LogFilter) ([]model.LogEntry, error)
}

// UserStore backs the identity provider.
type UserStore interface {
	EnsureTenant(ctx context.Context, t model.Tenant) error
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	CountUsers(ctx context.Context) (int, error)
}

// EmbeddingStore is a persistent second-level cache for text embeddings.
type EmbeddingStore interface {
	GetEmbedding(ctx context.Context, modelName, text string) (pgvector.Vector, error)
	PutEmbedding(ctx context.Context, modelName, text string, v pgvector.Vector) error
}

// Store is the full persistence contract. *DB (Postgres) and sqlite.Store
// both implement it.
type Store interface {
	AgentStore
	TaskStore
	MetricStore
	LogStore
	UserStore
	EmbeddingStore
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// AgentFilter selects agents of one tenant. Empty Status/Type match all.
// Limit <= 0 means unbounded.
type AgentFilter struct {
	TenantID uuid.UUID
	Status   model.AgentStatus
	Type     model.AgentType
	Limit    int
	Offset   int
}

// TaskFilter selects tasks of one tenant, newest first.
type TaskFilter struct {
	TenantID uuid.UUID
	AgentID  *uuid.UUID
	Status   model.TaskStatus
	Limit    int
}

// MetricFilter selects metrics of one tenant. From is inclusive, To is
// exclusive; zero values leave the range open. Results are oldest first
// unless NewestFirst is set.
type MetricFilter struct {
	TenantID    uuid.UUID
	AgentID     *uuid.UUID
	Name        string
	From        time.Time
	To          time.Time
	Limit       int
	NewestFirst bool
}

// LogFilter selects log entries of one tenant, newest first.
type LogFilter struct {
	TenantID uuid.UUID
	AgentID  *uuid.UUID
	Level    model.LogLevel
	Limit    int
}

// ContentHash is the cache key for an embedded text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
