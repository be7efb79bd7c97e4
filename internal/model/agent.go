package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentType is the fixed kind of analysis an agent performs.
type AgentType string

const (
	AgentTypeSentiment      AgentType = "sentiment"
	AgentTypeRecommendation AgentType = "recommendation"
	AgentTypePerformance    AgentType = "performance"
)

// AgentTypes lists every supported agent type in display order.
var AgentTypes = []AgentType{AgentTypeSentiment, AgentTypeRecommendation, AgentTypePerformance}

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeSentiment, AgentTypeRecommendation, AgentTypePerformance:
		return true
	}
	return false
}

// AgentStatus is the deployment state of an agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusPending  AgentStatus = "pending"
	AgentStatusError    AgentStatus = "error"
	AgentStatusDeployed AgentStatus = "deployed"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusInactive, AgentStatusPending, AgentStatusError, AgentStatusDeployed:
		return true
	}
	return false
}

// DefaultAgentVersion is assigned to newly created agents.
const DefaultAgentVersion = "1.0.0"

// Agent is a configured analysis unit owned by a tenant.
type Agent struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    uuid.UUID   `json:"tenant_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        AgentType   `json:"type"`
	Status      AgentStatus `json:"status"`
	Version     string      `json:"version"`
	EndpointURL string      `json:"endpoint_url"`
	Config      AgentConfig `json:"config"`
	CreatedBy   uuid.UUID   `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AgentConfig holds the tunables of an agent. Each kind reads its own typed
// fields; anything outside that set goes into Extra.
type AgentConfig struct {
	// Sentiment and recommendation.
	Model string `json:"model,omitempty"`

	// Sentiment.
	BatchSize           int     `json:"batch_size,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`

	// Recommendation.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	MaxRecommendations  int     `json:"max_recommendations,omitempty"`

	// Performance monitoring.
	CheckIntervalSeconds int     `json:"check_interval,omitempty"`
	AlertThreshold       float64 `json:"alert_threshold,omitempty"`
	MetricsRetentionDays int     `json:"metrics_retention,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Model names used by default agent configurations.
const (
	DefaultSentimentModel = "cardiffnlp/twitter-roberta-base-sentiment-latest"
	DefaultEmbeddingModel = "sentence-transformers/all-MiniLM-L6-v2"
)

// DefaultAgentConfig returns the baseline configuration for an agent type.
func DefaultAgentConfig(t AgentType) AgentConfig {
	switch t {
	case AgentTypeSentiment:
		return AgentConfig{Model: DefaultSentimentModel, BatchSize: 10, ConfidenceThreshold: 0.7}
	case AgentTypeRecommendation:
		return AgentConfig{Model: DefaultEmbeddingModel, SimilarityThreshold: 0.7, MaxRecommendations: 10}
	case AgentTypePerformance:
		return AgentConfig{CheckIntervalSeconds: 300, AlertThreshold: 0.8, MetricsRetentionDays: 30}
	default:
		return AgentConfig{}
	}
}

// Merge overlays the non-zero fields of o onto c and returns the result.
// Extra keys from o replace keys of the same name in c.
func (c AgentConfig) Merge(o AgentConfig) AgentConfig {
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.BatchSize != 0 {
		c.BatchSize = o.BatchSize
	}
	if o.ConfidenceThreshold != 0 {
		c.ConfidenceThreshold = o.ConfidenceThreshold
	}
	if o.SimilarityThreshold != 0 {
		c.SimilarityThreshold = o.SimilarityThreshold
	}
	if o.MaxRecommendations != 0 {
		c.MaxRecommendations = o.MaxRecommendations
	}
	if o.CheckIntervalSeconds != 0 {
		c.CheckIntervalSeconds = o.CheckIntervalSeconds
	}
	if o.AlertThreshold != 0 {
		c.AlertThreshold = o.AlertThreshold
	}
	if o.MetricsRetentionDays != 0 {
		c.MetricsRetentionDays = o.MetricsRetentionDays
	}
	if len(o.Extra) > 0 {
		merged := make(map[string]any, len(c.Extra)+len(o.Extra))
		for k, v := range c.Extra {
			merged[k] = v
		}
		for k, v := range o.Extra {
			merged[k] = v
		}
		c.Extra = merged
	}
	return c
}

// Validate rejects negative counts and thresholds outside [0, 1].
func (c AgentConfig) Validate() error {
	if c.BatchSize < 0 || c.MaxRecommendations < 0 || c.CheckIntervalSeconds < 0 || c.MetricsRetentionDays < 0 {
		return &ValidationError{Field: "config", Message: "counts and intervals must not be negative"}
	}
	for name, v := range map[string]float64{
		"confidence_threshold": c.ConfidenceThreshold,
		"similarity_threshold": c.SimilarityThreshold,
		"alert_threshold":      c.AlertThreshold,
	} {
		if v < 0 || v > 1 {
			return &ValidationError{Field: "config." + name, Message: "must be between 0 and 1"}
		}
	}
	return nil
}

// CreateAgentRequest is the body of POST /v1/agents.
type CreateAgentRequest struct {
	Name        string      `json:"name"`
	Type        AgentType   `json:"type"`
	Description string      `json:"description,omitempty"`
	Config      AgentConfig `json:"config"`
}

// Validate checks required fields and the agent type.
func (r CreateAgentRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" || r.Type == "" {
		return &ValidationError{Message: "Name and type are required"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Message: "Invalid agent type. Must be: sentiment, recommendation, or performance"}
	}
	return r.Config.Validate()
}

// UpdateAgentRequest is the body of PUT /v1/agents/{id}. Nil fields are left unchanged.
type UpdateAgentRequest struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Status      *AgentStatus `json:"status,omitempty"`
	Version     *string      `json:"version,omitempty"`
	Config      *AgentConfig `json:"config,omitempty"`
}

// Validate checks the fields that are present.
func (r UpdateAgentRequest) Validate() error {
	if r.Name == nil && r.Description == nil && r.Status == nil && r.Version == nil && r.Config == nil {
		return &ValidationError{Message: "at least one field must be provided"}
	}
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if r.Status != nil && !r.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("invalid status %q", *r.Status)}
	}
	if r.Config != nil {
		return r.Config.Validate()
	}
	return nil
}

// Apply returns a copy of a with the request's fields applied.
func (r UpdateAgentRequest) Apply(a Agent) Agent {
	if r.Name != nil {
		a.Name = strings.TrimSpace(*r.Name)
	}
	if r.Description != nil {
		a.Description = *r.Description
	}
	if r.Status != nil {
		a.Status = *r.Status
	}
	if r.Version != nil {
		a.Version = *r.Version
	}
	if r.Config != nil {
		a.Config = a.Config.Merge(*r.Config)
	}
	return a
}

// AgentStatistics summarises a tenant's agents for list responses.
type AgentStatistics struct {
	Total    int               `json:"total"`
	Active   int               `json:"active"`
	Inactive int               `json:"inactive"`
	ByType   map[AgentType]int `json:"by_type"`
}

// NewAgentStatistics counts agents by status and type.
func NewAgentStatistics(agents []Agent) AgentStatistics {
	stats := AgentStatistics{Total: len(agents), ByType: make(map[AgentType]int, len(AgentTypes))}
	for _, t := range AgentTypes {
		stats.ByType[t] = 0
	}
	for _, a := range agents {
		switch a.Status {
		case AgentStatusActive:
			stats.Active++
		case AgentStatusInactive:
			stats.Inactive++
		}
		if a.Type.Valid() {
			stats.ByType[a.Type]++
		}
	}
	return stats
}
