// Package embed provides embedding generation for semantic search.
package embed

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for embedding providers.
var (
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	ErrInvalidInput        = errors.New("invalid input for embedding")
	ErrEmptyText           = errors.New("cannot embed empty text")
	ErrContextCanceled     = errors.New("embedding operation canceled")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
)

// Embedding is a single embedding with its token count.
type Embedding struct {
	Vector     []float32
	TokenCount int
}

// BatchResult holds the results of a batch embedding call. Outputs are in
// input order.
type BatchResult struct {
	Vectors     [][]float32
	TokenCounts []int
	TotalTokens int
}

// Provider defines the interface for embedding backends. Vectors returned
// for one service are always exactly the service's dimensions long.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) (*Embedding, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimensions returns the dimensionality of the embedding vectors.
	Dimensions() int

	// Ping checks if the provider is available.
	Ping(ctx context.Context) error
}

// ProviderError wraps errors with provider context.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// EstimateTokens approximates the token count of a text as character
// count / 4, the heuristic the chunker budgets with.
func EstimateTokens(text string) int {
	return len([]rune(text)) / 4
}
