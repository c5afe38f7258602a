// Package mock provides a deterministic, dependency-free embedder for tests
// and offline development.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// Model is the identifier reported for mock vectors.
const Model = "mock-hash-v1"

// MockEmbedder is a simple mock embedder for testing.
// Every token gets a pseudo-random direction seeded from its hash; a text is
// the normalised sum of its tokens, so texts sharing words point the same way.
type MockEmbedder struct {
	dimensions int
	model      string
	calls      atomic.Int64
	texts      atomic.Int64
}

// Option configures a MockEmbedder.
type Option func(*MockEmbedder)

// WithDimensions sets the vector length.
func WithDimensions(n int) Option {
	return func(m *MockEmbedder) {
		if n > 0 {
			m.dimensions = n
		}
	}
}

// WithModel overrides the reported model name, giving a distinct embedding space.
func WithModel(name string) Option {
	return func(m *MockEmbedder) {
		if name != "" {
			m.model = name
		}
	}
}

// New creates a new mock embedder.
func New(opts ...Option) *MockEmbedder {
	m := &MockEmbedder{
		dimensions: DefaultDimensions,
		model:      Model,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Embed creates a deterministic embedding from text.
// Text without any letters or digits maps to the zero vector.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	m.texts.Add(1)
	return m.vector(text), nil
}

// EmbedBatch embeds texts in one call.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	m.texts.Add(int64(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// Model returns the model identifier.
func (m *MockEmbedder) Model() string {
	return m.model
}

// Calls returns the number of Embed and EmbedBatch invocations.
func (m *MockEmbedder) Calls() int64 {
	return m.calls.Load()
}

// Texts returns the total number of texts embedded.
func (m *MockEmbedder) Texts() int64 {
	return m.texts.Load()
}

func (m *MockEmbedder) vector(text string) []float32 {
	embedding := make([]float32, m.dimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		seed := h.Sum64()
		for i := 0; i < m.dimensions; i++ {
			// Simple LCG (Linear Congruential Generator)
			seed = seed*6364136223846793005 + 1442695040888963407
			embedding[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return normalize(embedding)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}

	if norm == 0 {
		return vec
	}

	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
