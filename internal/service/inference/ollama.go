package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/fmaa-ecosystem/fmaa/internal/telemetry"
)

// Ollama generates embeddings using a local Ollama server. It always uses its
// configured model; the per-agent model name refers to HuggingFace models and
// is ignored here.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates an embedder that calls Ollama's embedding API.
// Model should be an embedding model like "all-minilm" or "nomic-embed-text".
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Ollama{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the Ollama model used for every request.
func (p *Ollama) Model() string { return p.model }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a single embedding vector from text.
func (p *Ollama) Embed(ctx context.Context, text, _ string) (pgvector.Vector, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, &UpstreamError{Op: "embed", Err: fmt.Errorf("ollama: send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return pgvector.Vector{}, &UpstreamError{Op: "embed", Err: fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(body))}
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return pgvector.Vector{}, &UpstreamError{Op: "embed", Err: fmt.Errorf("ollama: decode response: %w", err)}
	}
	if len(result.Embedding) == 0 {
		return pgvector.Vector{}, &UpstreamError{Op: "embed", Err: fmt.Errorf("ollama: empty embedding returned")}
	}
	return pgvector.NewVector(result.Embedding), nil
}

// Ready checks that the Ollama server answers.
func (p *Ollama) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: unreachable: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	return nil
}
