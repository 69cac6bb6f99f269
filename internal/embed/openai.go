package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIURL     = "https://api.openai.com/v1"
	defaultOpenAITimeout = 60 * time.Second
)

// OpenAIConfig holds configuration for the OpenAI-protocol provider. Any
// endpoint speaking the OpenAI embeddings API works through BaseURL.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Dimensions int
	BaseURL    string
	Timeout    time.Duration
}

// OpenAIProvider implements Provider against the OpenAI embeddings API.
type OpenAIProvider struct {
	config OpenAIConfig
	client *http.Client
}

type openaiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIProvider creates a provider for an OpenAI-protocol endpoint.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, NewProviderError("openai", "config", fmt.Errorf("API key not configured"))
	}
	if cfg.Model == "" {
		return nil, NewProviderError("openai", "config", fmt.Errorf("model not configured"))
	}
	if cfg.Dimensions < 1 {
		return nil, NewProviderError("openai", "config", fmt.Errorf("dimensions must be >= 1"))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOpenAITimeout
	}

	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Embed generates an embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (*Embedding, error) {
	if text == "" {
		return nil, NewProviderError("openai", "embed", ErrEmptyText)
	}
	batch, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return &Embedding{Vector: batch.Vectors[0], TokenCount: batch.TokenCounts[0]}, nil
}

// EmbedBatch issues a single POST with the input list and returns vectors in
// input order. Per-text token counts are estimated; the total comes from the
// API usage block when present.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	if len(texts) == 0 {
		return &BatchResult{}, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, NewProviderError("openai", "embed", fmt.Errorf("text %d: %w", i, ErrEmptyText))
		}
	}

	body, err := json.Marshal(openaiEmbeddingRequest{Model: p.config.Model, Input: texts})
	if err != nil {
		return nil, NewProviderError("openai", "embed", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("openai", "embed", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewProviderError("openai", "embed", ErrContextCanceled)
		}
		return nil, NewProviderError("openai", "embed", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError("openai", "embed", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openaiErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, NewProviderError("openai", "embed",
				fmt.Errorf("status %d (%s): %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message))
		}
		return nil, NewProviderError("openai", "embed",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	var embResp openaiEmbeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, NewProviderError("openai", "embed", fmt.Errorf("unmarshal response: %w", err))
	}
	if len(embResp.Data) != len(texts) {
		return nil, NewProviderError("openai", "embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embResp.Data)))
	}

	result := &BatchResult{
		Vectors:     make([][]float32, len(texts)),
		TokenCounts: make([]int, len(texts)),
	}
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, NewProviderError("openai", "embed", fmt.Errorf("invalid embedding index: %d", data.Index))
		}
		if len(data.Embedding) != p.config.Dimensions {
			return nil, NewProviderError("openai", "embed",
				fmt.Errorf("index %d: got %d dimensions, want %d: %w",
					data.Index, len(data.Embedding), p.config.Dimensions, ErrDimensionMismatch))
		}
		vec := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vec[i] = float32(v)
		}
		result.Vectors[data.Index] = vec
	}
	for i, vec := range result.Vectors {
		if vec == nil {
			return nil, NewProviderError("openai", "embed", fmt.Errorf("missing embedding for index %d", i))
		}
		result.TokenCounts[i] = EstimateTokens(texts[i])
		result.TotalTokens += result.TokenCounts[i]
	}
	if embResp.Usage.TotalTokens > 0 {
		result.TotalTokens = embResp.Usage.TotalTokens
	}
	return result, nil
}

// Model returns the name of the embedding model.
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// Dimensions returns the embedding vector dimensions.
func (p *OpenAIProvider) Dimensions() int {
	return p.config.Dimensions
}

// Ping verifies the endpoint accepts an embedding request.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.Embed(ctx, "ping"); err != nil {
		return NewProviderError("openai", "ping", err)
	}
	return nil
}
