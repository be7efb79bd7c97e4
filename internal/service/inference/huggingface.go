package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"

	"github.com/fmaa-ecosystem/fmaa/internal/telemetry"
)

// ErrModelLoading is returned (and retried) while HuggingFace warms up a model.
var ErrModelLoading = errors.New("model is loading")

// HuggingFaceConfig configures the HuggingFace client.
type HuggingFaceConfig struct {
	BaseURL string // defaults to https://api-inference.huggingface.co
	APIKey  string
	Timeout time.Duration // per HTTP attempt
	// MaxRetryElapsed bounds the total time spent retrying 503 responses.
	MaxRetryElapsed time.Duration
	// FailureRatio trips the circuit breaker once at least 5 requests in a
	// window have failed at this ratio or higher.
	FailureRatio float64
	Logger       *slog.Logger
}

// HuggingFace calls the HuggingFace inference API. Model-loading responses
// (HTTP 503) are retried with exponential backoff, and repeated failures open
// a circuit breaker so that a dead upstream fails fast.
type HuggingFace struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxElapsed time.Duration
	logger     *slog.Logger
}

// NewHuggingFace creates a HuggingFace provider.
func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-inference.huggingface.co"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 60 * time.Second
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.6
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger
	ratio := cfg.FailureRatio

	return &HuggingFace{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxElapsed: cfg.MaxRetryElapsed,
		logger:     logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "huggingface",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= ratio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("inference: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
			// Caller cancellations say nothing about upstream health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

// Name returns "huggingface".
func (h *HuggingFace) Name() string { return "huggingface" }

// Ready fails when no API key is configured or the breaker is open.
func (h *HuggingFace) Ready(context.Context) error {
	if h.apiKey == "" {
		return fmt.Errorf("huggingface: HUGGINGFACE_API_KEY not set")
	}
	if h.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("huggingface: %w", gobreaker.ErrOpenState)
	}
	return nil
}

type hfLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify runs a text-classification model and returns the top label.
func (h *HuggingFace) Classify(ctx context.Context, text, model string) (Classification, error) {
	raw, err := h.call(ctx, model, text)
	if err != nil {
		return Classification{}, &UpstreamError{Op: "classify", Err: err}
	}

	// The API returns [[{label, score}, ...]] for a single input; some
	// pipelines return the inner list directly.
	var nested [][]hfLabel
	var labels []hfLabel
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 {
		labels = nested[0]
	} else if err := json.Unmarshal(raw, &labels); err != nil {
		return Classification{}, &UpstreamError{Op: "classify", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(labels) == 0 {
		return Classification{}, &UpstreamError{Op: "classify", Err: errors.New("empty classification returned")}
	}

	best := labels[0]
	for _, l := range labels[1:] {
		if l.Score > best.Score {
			best = l
		}
	}
	return Classification{Label: best.Label, Score: best.Score}, nil
}

// Embed runs a feature-extraction model. Token-level outputs are mean-pooled
// into a single sentence vector.
func (h *HuggingFace) Embed(ctx context.Context, text, model string) (pgvector.Vector, error) {
	raw, err := h.call(ctx, model, text)
	if err != nil {
		return pgvector.Vector{}, &UpstreamError{Op: "embed", Err: err}
	}

	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		if len(flat) == 0 {
			return pgvector.Vector{}, &UpstreamError{Op: "embed", Err: errors.New("empty embedding returned")}
		}
		return pgvector.NewVector(flat), nil
	}

	var tokens [][]float32
	if err := json.Unmarshal(raw, &tokens); err != nil || len(tokens) == 0 || len(tokens[0]) == 0 {
		return pgvector.Vector{}, &UpstreamError{Op: "embed", Err: fmt.Errorf("unexpected embedding shape: %s", truncate(raw, 120))}
	}
	return pgvector.NewVector(meanPool(tokens)), nil
}

func meanPool(tokens [][]float32) []float32 {
	out := make([]float32, len(tokens[0]))
	for _, tok := range tokens {
		for i := range out {
			if i < len(tok) {
				out[i] += tok[i]
			}
		}
	}
	for i := range out {
		out[i] /= float32(len(tokens))
	}
	return out
}

// call posts {"inputs": text} to the model endpoint through the breaker and
// the 503 retry loop, returning the raw JSON body.
func (h *HuggingFace) call(ctx context.Context, model, text string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"inputs": text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	res, err := h.breaker.Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, func() (json.RawMessage, error) {
			return h.post(ctx, model, body)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(h.maxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				h.logger.Info("inference: retrying huggingface request", "model", model, "error", err, "backoff", next)
			}),
		)
	})
	if err != nil {
		return nil, err
	}
	return res.(json.RawMessage), nil
}

func (h *HuggingFace) post(ctx context.Context, model string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/models/"+model, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHeaders(ctx, req.Header)
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", ErrModelLoading, truncate(raw, 200))
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200)))
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
