package model

import (
	"time"

	"github.com/google/uuid"
)

// Metric is an append-only measurement recorded once per task attempt.
type Metric struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	MetricName     string         `json:"metric_name"`
	MetricValue    float64        `json:"metric_value"`
	ProcessingTime int64          `json:"processing_time"` // milliseconds
	Success        bool           `json:"success"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}
