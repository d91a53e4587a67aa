package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/citewalk/content-pipeline/internal/resilience"
)

// Embedder turns text into a dense vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder calls an Ollama-compatible /api/embed endpoint
type OllamaEmbedder struct {
	client *resty.Client
	model  string
}

// Ensure OllamaEmbedder implements Embedder
var _ Embedder = (*OllamaEmbedder)(nil)

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates a new embedding client
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(60*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "citewalk-pipeline/1.0"),
		model: model,
	}
}

// Embed returns the embedding for text
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: o.model, Input: text}).
		Post("/api/embed")

	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("embedding API returned status %d", resp.StatusCode())
	}

	var out embedResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, errors.New("embedding API returned no vectors")
	}

	return out.Embeddings[0], nil
}

// Guarded runs an Embedder through a circuit breaker with a per-call timeout
type Guarded struct {
	inner   Embedder
	breaker *resilience.Breaker
	timeout time.Duration
}

// Ensure Guarded implements Embedder
var _ Embedder = (*Guarded)(nil)

// NewGuarded wraps inner
func NewGuarded(inner Embedder, breaker *resilience.Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	return resilience.Call(ctx, g.breaker, func(ctx context.Context) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.Embed(ctx, text)
	})
}
