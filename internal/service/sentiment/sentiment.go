// Package sentiment classifies text with a sentiment agent's model, one text
// at a time or in batches, and records each request as a task.
package sentiment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/inference"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
)

// MetricName is recorded for every sentiment task.
const MetricName = "sentiment_analysis"

// batchCapFactor multiplies an agent's batch_size to get the largest batch
// accepted in one request.
const batchCapFactor = 10

// Result is the classification of one text.
type Result struct {
	Text       string    `json:"text"`
	Sentiment  string    `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Summary counts batch results by label.
type Summary struct {
	Total    int `json:"total"`
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
}

// BatchResult is the output of a batch request.
type BatchResult struct {
	Results   []Result  `json:"results"`
	Summary   Summary   `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentResolver loads an agent the caller may use.
type AgentResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// Service runs sentiment tasks.
type Service struct {
	agents     AgentResolver
	classifier inference.Classifier
	orch       *lifecycle.Orchestrator
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a sentiment service.
func New(agents AgentResolver, classifier inference.Classifier, orch *lifecycle.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		agents:     agents,
		classifier: classifier,
		orch:       orch,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Analyze classifies the request's text (or texts, in batch mode) as a task of
// the given agent.
func (s *Service) Analyze(ctx context.Context, req model.SentimentRequest) (lifecycle.Result, error) {
	if err := req.Validate(); err != nil {
		return lifecycle.Result{}, err
	}
	agent, err := s.agents.Resolve(ctx, req.AgentID)
	if err != nil {
		return lifecycle.Result{}, err
	}
	if agent.Type != model.AgentTypeSentiment {
		return lifecycle.Result{}, &model.ValidationError{Field: "agent_id", Message: fmt.Sprintf("agent %s is a %s agent, not sentiment", agent.ID, agent.Type)}
	}

	cfg := agent.Config
	if cfg.Model == "" {
		cfg.Model = model.DefaultSentimentModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.DefaultAgentConfig(model.AgentTypeSentiment).BatchSize
	}

	in := req.InputData
	input := map[string]any{}
	if in.Text != "" {
		input["text"] = in.Text
	}
	if in.Texts != nil {
		input["texts"] = in.Texts
	}

	return s.orch.Run(ctx, lifecycle.Unit{
		AgentID:    agent.ID,
		Input:      input,
		Metadata:   map[string]any{"batch_mode": req.BatchMode},
		MetricName: MetricName,
		Describe:   "Sentiment analysis",
	}, func(ctx context.Context) (lifecycle.Outcome, error) {
		meta := map[string]any{"batch_mode": req.BatchMode}
		switch {
		case req.BatchMode && in.Texts != nil:
			if limit := cfg.BatchSize * batchCapFactor; len(in.Texts) > limit {
				return lifecycle.Outcome{}, &model.ValidationError{
					Field:   "input_data.texts",
					Message: fmt.Sprintf("batch of %d texts exceeds the limit of %d", len(in.Texts), limit),
				}
			}
			batch, err := s.analyzeBatch(ctx, in.Texts, cfg.Model, cfg.BatchSize)
			if err != nil {
				return lifecycle.Outcome{}, err
			}
			return lifecycle.Outcome{Output: batch, MetricValue: float64(len(batch.Results)), MetricMetadata: meta}, nil
		case in.Text != "":
			res, err := s.analyze(ctx, in.Text, cfg.Model)
			if err != nil {
				return lifecycle.Outcome{}, err
			}
			return lifecycle.Outcome{Output: res, MetricValue: 1, MetricMetadata: meta}, nil
		default:
			return lifecycle.Outcome{}, &model.ValidationError{Field: "input_data", Message: "Invalid input data format"}
		}
	})
}

func (s *Service) analyze(ctx context.Context, text, modelName string) (Result, error) {
	cls, err := s.classifier.Classify(ctx, text, modelName)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, Sentiment: cls.Label, Confidence: cls.Score, Timestamp: s.now()}, nil
}

// analyzeBatch classifies texts concurrently, at most concurrency at a time.
// Results keep the input order; any failure fails the batch.
func (s *Service) analyzeBatch(ctx context.Context, texts []string, modelName string, concurrency int) (BatchResult, error) {
	results := make([]Result, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, text := range texts {
		g.Go(func() error {
			res, err := s.analyze(gctx, text, modelName)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Results: results, Summary: Summarize(results), Timestamp: s.now()}, nil
}

// Summarize counts results by label, ignoring case.
func Summarize(results []Result) Summary {
	sum := Summary{Total: len(results)}
	for _, r := range results {
		switch strings.ToUpper(r.Sentiment) {
		case "POSITIVE":
			sum.Positive++
		case "NEGATIVE":
			sum.Negative++
		case "NEUTRAL":
			sum.Neutral++
		}
	}
	return sum
}
