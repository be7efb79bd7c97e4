package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPagination(t *testing.T) {
	assert.Equal(t, Pagination{Page: 1, Limit: 10, Total: 0, Pages: 0}, NewPagination(1, 10, 0))
	assert.Equal(t, 3, NewPagination(2, 10, 21).Pages)
	assert.Equal(t, 2, NewPagination(1, 10, 20).Pages)
}

func TestRecommendationItemBody(t *testing.T) {
	assert.Equal(t, "t", RecommendationItem{Text: "t", Content: "c"}.Body())
	assert.Equal(t, "c", RecommendationItem{Content: "c"}.Body())
}

func TestRecommendationRequestValidate(t *testing.T) {
	agent := uuid.New()

	assert.Error(t, RecommendationRequest{AgentID: agent}.Validate())
	assert.Error(t, RecommendationRequest{AgentID: agent, InputData: &RecommendationInput{Items: []RecommendationItem{}}}.Validate())
	assert.Error(t, RecommendationRequest{AgentID: agent, InputData: &RecommendationInput{Query: "q"}}.Validate())

	bad := 2.0
	assert.Error(t, RecommendationRequest{AgentID: agent, InputData: &RecommendationInput{
		Query: "q", Items: []RecommendationItem{}, Threshold: &bad,
	}}.Validate())

	assert.NoError(t, RecommendationRequest{AgentID: agent, InputData: &RecommendationInput{
		Query: "q", Items: []RecommendationItem{},
	}}.Validate())
}

func TestMonitorRequestValidateDefaultsType(t *testing.T) {
	req := MonitorRequest{AgentID: uuid.New()}
	require.NoError(t, req.Validate())
	assert.Equal(t, DefaultMonitoringType, req.MonitoringType)

	empty := MonitorRequest{}
	var ve *ValidationError
	assert.ErrorAs(t, empty.Validate(), &ve)
}

func TestSentimentRequestValidate(t *testing.T) {
	assert.Error(t, SentimentRequest{}.Validate())
	assert.Error(t, SentimentRequest{AgentID: uuid.New()}.Validate())
	assert.NoError(t, SentimentRequest{AgentID: uuid.New(), InputData: &SentimentInput{}}.Validate())
}
