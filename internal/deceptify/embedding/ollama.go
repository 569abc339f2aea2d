// Package embedding provides sentence-embedding providers for FAQ retrieval.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider generates a dense vector for a piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OllamaEmbedder generates embeddings via a local Ollama server.
type OllamaEmbedder struct {
	host      string
	model     string
	dimension int
	client    *http.Client
}

// Config holds embedder settings.
type Config struct {
	Host      string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// DefaultConfig returns the all-minilm defaults.
func DefaultConfig() Config {
	return Config{
		Host:      "http://localhost:11434",
		Model:     "all-minilm",
		Dimension: 384,
		Timeout:   30 * time.Second,
	}
}

// NewOllamaEmbedder creates an embedder for the given Ollama instance.
// The model must already be pulled.
func NewOllamaEmbedder(cfg Config) *OllamaEmbedder {
	return &OllamaEmbedder{
		host:      cfg.Host,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Embed generates a vector for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	jsonData, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("ollama embed %d: %s", resp.StatusCode, string(body))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	if e.dimension > 0 && len(out.Embeddings[0]) != e.dimension {
		return nil, fmt.Errorf("ollama returned %d dimensions, want %d", len(out.Embeddings[0]), e.dimension)
	}

	vec := make([]float32, len(out.Embeddings[0]))
	for i, v := range out.Embeddings[0] {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimension returns the configured embedding dimension.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// Model returns the model name.
func (e *OllamaEmbedder) Model() string {
	return e.model
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}
