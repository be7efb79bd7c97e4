// Package inference adapts hosted model APIs to the two capabilities the
// agents need: text classification (sentiment) and text embedding
// (recommendations). Providers are HuggingFace's inference API, a local
// Ollama server for embeddings, and a noop provider for development.
package inference

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// Classification is the top label returned for a text.
type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier labels text with a classification model.
type Classifier interface {
	Classify(ctx context.Context, text, model string) (Classification, error)
}

// Embedder turns text into a vector. model names the embedding model; a
// provider with a fixed model may ignore it.
type Embedder interface {
	Embed(ctx context.Context, text, model string) (pgvector.Vector, error)
}

// Provider is a full inference backend.
type Provider interface {
	Classifier
	Embedder
	// Name identifies the provider in health output.
	Name() string
	// Ready reports whether the provider can currently serve requests.
	Ready(ctx context.Context) error
}

// UpstreamError wraps a failure of the inference service itself, as opposed
// to bad caller input.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("inference: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Composite pairs a classifier and an embedder from different backends.
type Composite struct {
	Classifier
	Embedder
	name  string
	ready []func(context.Context) error
}

// NewComposite combines c and e. Ready checks every part that exposes one.
func NewComposite(name string, c Classifier, e Embedder) *Composite {
	comp := &Composite{Classifier: c, Embedder: e, name: name}
	for _, part := range []any{c, e} {
		if r, ok := part.(interface{ Ready(context.Context) error }); ok {
			comp.ready = append(comp.ready, r.Ready)
		}
	}
	return comp
}

// Name returns the composite's name.
func (c *Composite) Name() string { return c.name }

// Ready returns the first readiness error among the parts.
func (c *Composite) Ready(ctx context.Context) error {
	for _, r := range c.ready {
		if err := r(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NoopDimensions is the vector size returned by the noop provider, matching
// all-MiniLM-L6-v2.
const NoopDimensions = 384

// NoopProvider classifies everything as neutral and returns zero vectors.
// Used when no inference backend is configured.
type NoopProvider struct{}

// Name returns "noop".
func (NoopProvider) Name() string { return "noop" }

// Ready always succeeds.
func (NoopProvider) Ready(context.Context) error { return nil }

// Classify returns a neutral label with zero confidence.
func (NoopProvider) Classify(context.Context, string, string) (Classification, error) {
	return Classification{Label: "neutral", Score: 0}, nil
}

// Embed returns a zero vector.
func (NoopProvider) Embed(context.Context, string, string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, NoopDimensions)), nil
}
