// Package embeddings turns text into vectors through an Ollama or
// OpenAI-compatible embeddings endpoint.
package embeddings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nugget/placefinder/internal/httpkit"
)

// Embedder is the opaque text-to-vector capability used by retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Providers understood by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Client generates embeddings over HTTP.
type Client struct {
	provider string
	baseURL  string
	apiKey   string
	model    string
	client   *http.Client
}

// Config for embedding client.
type Config struct {
	Provider string // "ollama" or "openai"
	BaseURL  string // e.g. "http://localhost:11434" or "http://localhost:1234/v1"
	APIKey   string
	Model    string // e.g. "text-embedding-bge-m3"
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-bge-m3"
	}
	return &Client{
		provider: cfg.Provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 250*time.Millisecond),
		),
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

type openAIRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed creates an embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var (
		path string
		req  any
	)
	switch c.provider {
	case ProviderOllama:
		path, req = "/api/embeddings", ollamaRequest{Model: c.model, Prompt: text}
	case ProviderOpenAI:
		path, req = "/embeddings", openAIRequest{Model: c.model, Input: text}
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", c.provider)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("%s returned status %d: %s", c.provider, resp.StatusCode, errBody)
	}

	var vec []float32
	if c.provider == ProviderOllama {
		var r ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		vec = r.Embedding
	} else {
		var r openAIResponse
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if len(r.Data) > 0 {
			vec = r.Data[0].Embedding
		}
	}
	if len(vec) == 0 {
		return nil, errors.New("empty embedding in response")
	}
	return vec, nil
}

// EmbedBatch creates embeddings for multiple texts.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
