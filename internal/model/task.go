// Package model defines the domain types of the agent service: agents, tasks,
// metrics, log entries and the users that own them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is one execution attempt of an agent. It is created in the processing
// state and moves to a terminal state exactly once.
type Task struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	AgentID      uuid.UUID      `json:"agent_id"`
	Status       TaskStatus     `json:"status"`
	InputData    map[string]any `json:"input_data"`
	OutputData   any            `json:"output_data,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// TaskFinish is the terminal patch applied to a processing task.
type TaskFinish struct {
	Status       TaskStatus     `json:"status"`
	OutputData   any            `json:"output_data,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"` // merged into the stored metadata
	CompletedAt  time.Time      `json:"completed_at"`
}
