package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the success envelope for every JSON response.
type APIResponse struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Statistics any         `json:"statistics,omitempty"`
}

// APIError is the error envelope.
type APIError struct {
	Error   string      `json:"error"`
	Details ErrorDetail `json:"details"`
}

// ErrorDetail carries machine-readable context for an error.
type ErrorDetail struct {
	Code      string     `json:"code"`
	Message   string     `json:"message,omitempty"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeBookkeeping   = "BOOKKEEPING_ERROR"
	ErrCodeTaskFailed    = "TASK_FAILED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Pagination describes a page of a list response.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination computes the page count for total items.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

// AuthTokenRequest exchanges an API key for a JWT.
type AuthTokenRequest struct {
	Email  string `json:"email"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is returned by POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TaskResponse is the data payload of every task-dispatching endpoint.
type TaskResponse struct {
	TaskID           uuid.UUID `json:"task_id"`
	Result           any       `json:"result"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// SentimentInput is the input_data of a sentiment task.
type SentimentInput struct {
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

// SentimentRequest is the body of POST /v1/sentiment.
type SentimentRequest struct {
	AgentID   uuid.UUID       `json:"agent_id"`
	InputData *SentimentInput `json:"input_data"`
	BatchMode bool            `json:"batch_mode"`
}

// Validate checks that the request names an agent and carries input.
func (r SentimentRequest) Validate() error {
	if r.AgentID == uuid.Nil || r.InputData == nil {
		return &ValidationError{Message: "agent_id and input_data are required"}
	}
	return nil
}

// RecommendationItem is a candidate scored against the query.
type RecommendationItem struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Body returns the text used for embedding, preferring Text over Content.
func (i RecommendationItem) Body() string {
	if i.Text != "" {
		return i.Text
	}
	return i.Content
}

// RecommendationInput is the input_data of a recommendation task.
type RecommendationInput struct {
	Query     string               `json:"query"`
	Items     []RecommendationItem `json:"items"`
	Threshold *float64             `json:"threshold,omitempty"`
}

// RecommendationRequest is the body of POST /v1/recommendations.
type RecommendationRequest struct {
	AgentID   uuid.UUID            `json:"agent_id"`
	InputData *RecommendationInput `json:"input_data"`
}

// Validate checks the required fields of a recommendation request.
func (r RecommendationRequest) Validate() error {
	if r.AgentID == uuid.Nil || r.InputData == nil {
		return &ValidationError{Message: "agent_id and input_data are required"}
	}
	if strings.TrimSpace(r.InputData.Query) == "" || r.InputData.Items == nil {
		return &ValidationError{Field: "input_data", Message: "query and items are required in input_data"}
	}
	if t := r.InputData.Threshold; t != nil && (*t < -1 || *t > 1) {
		return &ValidationError{Field: "input_data.threshold", Message: "must be between -1 and 1"}
	}
	return nil
}

// DefaultMonitoringType is used when a monitor request omits monitoring_type.
const DefaultMonitoringType = "comprehensive"

// MonitorRequest is the body of POST /v1/monitor.
type MonitorRequest struct {
	AgentID        uuid.UUID `json:"agent_id"`
	MonitoringType string    `json:"monitoring_type,omitempty"`
}

// Validate checks that the request names an agent and fills the default type.
func (r *MonitorRequest) Validate() error {
	if r.AgentID == uuid.Nil {
		return &ValidationError{Field: "agent_id", Message: "agent_id is required"}
	}
	if r.MonitoringType == "" {
		r.MonitoringType = DefaultMonitoringType
	}
	return nil
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
	Uptime    int64             `json:"uptime_seconds"`
	Timestamp time.Time         `json:"timestamp"`
}
