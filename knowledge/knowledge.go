package knowledge

import (
	"context"
	"fmt"
	"time"
)

// KnowledgeItem is a unit of indexed content.
// Content and Embedding change together: updating content regenerates the embedding.
type KnowledgeItem struct {
	ID        string         `json:"id,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
}

// SearchResult is one ranked hit of a retrieval. It is built per query and never persisted.
type SearchResult struct {
	ID              string         `json:"id,omitempty"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata"`
	SimilarityScore float64        `json:"similarity_score"`
	RetrievedAt     time.Time      `json:"retrieved_at"`
}

// Space identifies the vector space an embedding model produces.
// Vectors from different spaces must never be compared.
type Space struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

func (s Space) String() string {
	return fmt.Sprintf("%s/%d", s.Model, s.Dimensions)
}

// SpaceOf returns the space produced by an embedder.
func SpaceOf(e Embedder) Space {
	return Space{Model: e.Model(), Dimensions: e.Dimensions()}
}

// Embedder converts text to fixed-length vectors.
//
// Implementations return a zero vector of Dimensions() for empty or
// whitespace-only text instead of failing.
type Embedder interface {
	// Embed converts a single text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts texts in as few provider round-trips as possible.
	// The result has one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length.
	Dimensions() int

	// Model identifies the model producing the vectors.
	Model() string
}

// Document is an entry of a vector index.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// Match is a raw index hit.
// Distance is the Euclidean distance between the normalised query and document vectors.
type Match struct {
	Document
	Distance float64
}

// Index is a persistent nearest-neighbour store bound to one embedding space.
type Index interface {
	// Space returns the embedding space of the stored vectors.
	Space() Space

	// Add stores documents, overwriting any existing entry with the same id.
	// Documents without an id get a generated UUID. The ids used are returned in input order.
	Add(ctx context.Context, docs []Document) ([]string, error)

	// Search returns up to n documents closest to embedding, nearest first.
	// filter holds exact-match metadata predicates that are ANDed together.
	Search(ctx context.Context, embedding []float32, n int, filter map[string]any) ([]Match, error)

	// Update replaces an existing document in place. Returns ErrNotFound if the id is unknown.
	Update(ctx context.Context, doc Document) error

	// Delete removes documents. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Get returns a document by id. Returns ErrNotFound if the id is unknown.
	Get(ctx context.Context, id string) (*Document, error)

	// Count returns the number of stored documents.
	Count() int

	// Scan calls fn for every stored document.
	Scan(ctx context.Context, fn func(Document) error) error
}

// Cache memoizes results. Implementations are fail-open: errors are
// reported as misses or no-ops, never returned.
type Cache interface {
	// Get decodes the value stored under key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) bool

	// Set stores value under key for ttl. A zero ttl uses the cache default.
	Set(ctx context.Context, key string, value any, ttl time.Duration)

	// Delete removes keys.
	Delete(ctx context.Context, keys ...string)

	// DeletePattern removes every key matching a glob pattern and returns the count removed.
	DeletePattern(ctx context.Context, pattern string) int

	// Increment adds amount to a counter and returns the new value (0 when unavailable).
	Increment(ctx context.Context, key string, amount int64) int64

	// Enabled reports whether the cache can serve hits.
	Enabled() bool
}

// Metrics receives instrumentation events from the Service.
type Metrics interface {
	ObserveEmbed(batch int, d time.Duration, err error)
	ObserveRetrieve(op string, d time.Duration, results int, cacheHit bool, err error)
	ObserveIndexed(n int)
	ObserveInvalidation(patterns, evicted int)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) ObserveEmbed(int, time.Duration, error) {}
func (NopMetrics) ObserveRetrieve(string, time.Duration, int, bool, error) {}
func (NopMetrics) ObserveIndexed(int) {}
func (NopMetrics) ObserveInvalidation(int, int) {}

// noCache is used when no cache is configured.
type noCache struct{}

func (noCache) Get(context.Context, string, any) bool { return false }
func (noCache) Set(context.Context, string, any, time.Duration) {}
func (noCache) Delete(context.Context, ...string) {}
func (noCache) DeletePattern(context.Context, string) int { return 0 }
func (noCache) Increment(context.Context, string, int64) int64 { return 0 }
func (noCache) Enabled() bool { return false }
