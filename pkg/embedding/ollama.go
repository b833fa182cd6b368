// Package embedding provides the EmbeddingModel port and its Ollama-backed
// implementation. The model is loaded lazily on first use and its
// dimension memoized at process scope, so every vector written by one
// process is guaranteed same-dimensional regardless of which tenant asked
// for it first.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Model embeds text into a fixed-dimension float32 vector.
type Model interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OllamaModel implements Model using Ollama's HTTP embeddings API. It
// replaces the generated-gRPC-stub shape the teacher used (mlpb.EmbedServiceClient)
// with a plain HTTP JSON port, since no .proto/generated client for an
// embedding service exists in this deployment.
type OllamaModel struct {
	baseURL string
	model   string
	client  *http.Client

	once sync.Once
	dim  int
	err  error
}

// NewOllamaModel creates an embedding client against an Ollama server.
func NewOllamaModel(baseURL, model string, client *http.Client) *OllamaModel {
	if client == nil {
		client = &http.Client{}
	}
	return &OllamaModel{baseURL: baseURL, model: model, client: client}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding for text, memoizing the model's dimension on
// first success.
func (m *OllamaModel) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := m.call(ctx, text)
	if err != nil {
		return nil, err
	}
	m.once.Do(func() { m.dim = len(vec) })
	if m.dim != 0 && len(vec) != m.dim {
		return nil, fmt.Errorf("embedding: dimension drift: got %d, expected %d", len(vec), m.dim)
	}
	return vec, nil
}

// Dimension returns the memoized embedding dimension, or 0 if Embed has
// never succeeded.
func (m *OllamaModel) Dimension() int {
	return m.dim
}

func (m *OllamaModel) call(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedReq{Model: m.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: status %d", resp.StatusCode)
	}
	var out ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	vals := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vals[i] = float32(v)
	}
	return vals, nil
}
