// Package recommend ranks candidate items by embedding similarity to a query
// for a recommendation agent.
package recommend

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/inference"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
)

// MetricName is recorded for every recommendation task.
const MetricName = "recommendation_generation"

// DefaultThreshold applies when neither the request nor the agent sets one.
const DefaultThreshold = 0.7

// embedConcurrency bounds parallel embedding calls per request.
const embedConcurrency = 8

// Recommendation is an item that met the threshold.
type Recommendation struct {
	model.RecommendationItem
	Similarity float64 `json:"similarity"`
	Relevant   bool    `json:"relevant"`
}

// Enhanced is a recommendation with its confidence band, category and rank.
type Enhanced struct {
	Recommendation
	Confidence string `json:"confidence"`
	Category   string `json:"category"`
	Rank       int    `json:"rank"`
}

// EnhancedMetadata counts enhanced recommendations by confidence.
type EnhancedMetadata struct {
	Total            int `json:"total"`
	HighConfidence   int `json:"high_confidence"`
	MediumConfidence int `json:"medium_confidence"`
	LowConfidence    int `json:"low_confidence"`
}

// EnhancedSet is the enhanced view of the recommendations.
type EnhancedSet struct {
	Recommendations []Enhanced       `json:"recommendations"`
	Metadata        EnhancedMetadata `json:"metadata"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Result is the output of a recommendation task.
type Result struct {
	Query           string           `json:"query"`
	Recommendations []Recommendation `json:"recommendations"`
	Total           int              `json:"total"`
	Threshold       float64          `json:"threshold"`
	Timestamp       time.Time        `json:"timestamp"`
	Enhanced        EnhancedSet      `json:"enhanced"`
}

// AgentResolver loads an agent the caller may use.
type AgentResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// Service runs recommendation tasks.
type Service struct {
	agents   AgentResolver
	embedder inference.Embedder
	orch     *lifecycle.Orchestrator
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a recommendation service.
func New(agents AgentResolver, embedder inference.Embedder, orch *lifecycle.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		agents:   agents,
		embedder: embedder,
		orch:     orch,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recommend scores the request's items against its query as a task of the
// given agent.
func (s *Service) Recommend(ctx context.Context, req model.RecommendationRequest) (lifecycle.Result, error) {
	if err := req.Validate(); err != nil {
		return lifecycle.Result{}, err
	}
	agent, err := s.agents.Resolve(ctx, req.AgentID)
	if err != nil {
		return lifecycle.Result{}, err
	}
	if agent.Type != model.AgentTypeRecommendation {
		return lifecycle.Result{}, &model.ValidationError{Field: "agent_id", Message: fmt.Sprintf("agent %s is a %s agent, not recommendation", agent.ID, agent.Type)}
	}

	in := req.InputData
	threshold := DefaultThreshold
	if agent.Config.SimilarityThreshold > 0 {
		threshold = agent.Config.SimilarityThreshold
	}
	if in.Threshold != nil {
		threshold = *in.Threshold
	}
	modelName := agent.Config.Model
	if modelName == "" {
		modelName = model.DefaultEmbeddingModel
	}

	input := map[string]any{"query": in.Query, "items": in.Items}
	if in.Threshold != nil {
		input["threshold"] = *in.Threshold
	}

	return s.orch.Run(ctx, lifecycle.Unit{
		AgentID:    agent.ID,
		Input:      input,
		MetricName: MetricName,
		Describe:   "Recommendation generation",
	}, func(ctx context.Context) (lifecycle.Outcome, error) {
		recs, err := s.findSimilar(ctx, in.Query, in.Items, modelName, threshold)
		if err != nil {
			return lifecycle.Outcome{}, err
		}
		if limit := agent.Config.MaxRecommendations; limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}

		now := s.now()
		res := Result{
			Query:           in.Query,
			Recommendations: recs,
			Total:           len(recs),
			Threshold:       threshold,
			Timestamp:       now,
			Enhanced:        Enhance(recs, now),
		}
		count := len(recs)
		return lifecycle.Outcome{
			Output:      res,
			MetricValue: float64(count),
			MetricMetadata: map[string]any{
				"query_length": len([]rune(in.Query)),
				"items_count":  len(in.Items),
				"threshold":    threshold,
			},
			TaskMetadata: map[string]any{"recommendations_count": count},
			LogMetadata:  map[string]any{"recommendations_count": count},
		}, nil
	})
}

// findSimilar embeds the query and every item concurrently and returns the
// items whose similarity is at least threshold, most similar first.
func (s *Service) findSimilar(ctx context.Context, query string, items []model.RecommendationItem, modelName string, threshold float64) ([]Recommendation, error) {
	for i, item := range items {
		if item.Body() == "" {
			return nil, &model.ValidationError{Field: fmt.Sprintf("input_data.items[%d]", i), Message: "text or content is required"}
		}
	}

	var queryVec pgvector.Vector
	vecs := make([]pgvector.Vector, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	g.Go(func() error {
		v, err := s.embedder.Embed(gctx, query, modelName)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		queryVec = v
		return nil
	})
	for i, item := range items {
		g.Go(func() error {
			v, err := s.embedder.Embed(gctx, item.Body(), modelName)
			if err != nil {
				return fmt.Errorf("embed item %d: %w", i, err)
			}
			vecs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	q := queryVec.Slice()
	recs := []Recommendation{}
	for i, item := range items {
		v := vecs[i].Slice()
		if len(v) != len(q) {
			return nil, &inference.UpstreamError{Op: "embed", Err: fmt.Errorf("item %d has %d dimensions, query has %d", i, len(v), len(q))}
		}
		sim := Cosine(q, v)
		if sim >= threshold {
			recs = append(recs, Recommendation{RecommendationItem: item, Similarity: sim, Relevant: true})
		}
	}
	slices.SortStableFunc(recs, func(a, b Recommendation) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	return recs, nil
}

// Cosine returns the cosine similarity of two equal-length vectors, or 0 when
// either has zero magnitude.
func Cosine(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Confidence maps a similarity to high, medium or low.
func Confidence(similarity float64) string {
	switch {
	case similarity >= 0.8:
		return "high"
	case similarity >= 0.6:
		return "medium"
	default:
		return "low"
	}
}

// Category maps a similarity to a match category.
func Category(similarity float64) string {
	switch {
	case similarity >= 0.9:
		return "exact_match"
	case similarity >= 0.7:
		return "strong_match"
	case similarity >= 0.5:
		return "moderate_match"
	default:
		return "weak_match"
	}
}

// Enhance annotates ranked recommendations.
func Enhance(recs []Recommendation, now time.Time) EnhancedSet {
	set := EnhancedSet{Recommendations: make([]Enhanced, len(recs)), Timestamp: now}
	set.Metadata.Total = len(recs)
	for i, r := range recs {
		e := Enhanced{
			Recommendation: r,
			Confidence:     Confidence(r.Similarity),
			Category:       Category(r.Similarity),
			Rank:           i + 1,
		}
		switch e.Confidence {
		case "high":
			set.Metadata.HighConfidence++
		case "medium":
			set.Metadata.MediumConfidence++
		default:
			set.Metadata.LowConfidence++
		}
		set.Recommendations[i] = e
	}
	return set
}
