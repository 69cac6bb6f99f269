package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockProvider produces deterministic low-dimensional vectors derived from
// the input's hash. Test use only: no network, stable across runs.
type MockProvider struct {
	dimensions int
}

// DefaultMockDimensions is the vector size of an unconfigured mock.
const DefaultMockDimensions = 8

// NewMockProvider creates a mock provider with the given dimensionality.
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions < 1 {
		dimensions = DefaultMockDimensions
	}
	return &MockProvider{dimensions: dimensions}
}

// Embed derives a deterministic unit-scaled vector from the text's SHA-256.
func (p *MockProvider) Embed(ctx context.Context, text string) (*Embedding, error) {
	if text == "" {
		return nil, NewProviderError("mock", "embed", ErrEmptyText)
	}
	return &Embedding{
		Vector:     p.vectorFor(text),
		TokenCount: EstimateTokens(text),
	}, nil
}

// EmbedBatch embeds each text independently; outputs match input order.
func (p *MockProvider) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	result := &BatchResult{
		Vectors:     make([][]float32, len(texts)),
		TokenCounts: make([]int, len(texts)),
	}
	for i, text := range texts {
		emb, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		result.Vectors[i] = emb.Vector
		result.TokenCounts[i] = emb.TokenCount
		result.TotalTokens += emb.TokenCount
	}
	return result, nil
}

// vectorFor expands the text hash into a unit vector with non-negative
// components. Keeping every component in [0, 1] bounds pairwise cosines to
// [0, 1] and projection distances to 2, so default search thresholds never
// prune mock data.
func (p *MockProvider) vectorFor(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, p.dimensions)
	buf := seed[:]
	var norm float64
	for i := range vec {
		if i*4+4 > len(buf) {
			next := sha256.Sum256(buf)
			buf = append(buf, next[:]...)
		}
		bits := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		vec[i] = float32(bits) / float32(math.MaxUint32)
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// Model returns the mock model name.
func (p *MockProvider) Model() string {
	return "mock"
}

// Dimensions returns the embedding vector dimensions.
func (p *MockProvider) Dimensions() int {
	return p.dimensions
}

// Ping always succeeds.
func (p *MockProvider) Ping(ctx context.Context) error {
	return nil
}
