package knowledge

import "time"

// Config holds Service configuration.
type Config struct {
	// SimilarityThreshold is the default minimum score for RetrieveKnowledge [0.0-1.0].
	// Default: 0.5
	SimilarityThreshold float64

	// FindSimilarThreshold is the default minimum score for FindSimilar.
	// Lower than SimilarityThreshold because similarity search is exploratory.
	// Default: 0.4
	FindSimilarThreshold float64

	// NResults is the default number of candidates fetched from the index.
	// Default: 5
	NResults int

	// CacheEnabled toggles result caching.
	// Default: true (no effect without a cache)
	CacheEnabled bool

	// RetrievalTTL bounds how long a cached search result may be served.
	// Default: 5m
	RetrievalTTL time.Duration

	// ItemTTL bounds how long a cached single-item lookup may be served.
	// Default: 1h
	ItemTTL time.Duration

	// BatchSize is the number of texts per EmbedBatch call during batch indexing.
	// Default: 32
	BatchSize int

	// BatchConcurrency caps concurrent embedding batches.
	// Default: 2
	BatchConcurrency int

	// Namespace prefixes every cache key.
	// Default: "knowledge"
	Namespace string
}

// DefaultConfig returns the defaults used when no Config is given.
var DefaultConfig = &Config{
	SimilarityThreshold:  0.5,
	FindSimilarThreshold: 0.4,
	NResults:             5,
	CacheEnabled:         true,
	RetrievalTTL:         5 * time.Minute,
	ItemTTL:              time.Hour,
	BatchSize:            32,
	BatchConcurrency:     2,
	Namespace:            "knowledge",
}

// withDefaults returns a copy of c with unset sizes and durations taken from
// DefaultConfig. Zero thresholds are kept.
func (c *Config) withDefaults() *Config {
	if c == nil {
		cfg := *DefaultConfig
		return &cfg
	}
	cfg := *c
	if cfg.NResults <= 0 {
		cfg.NResults = DefaultConfig.NResults
	}
	if cfg.RetrievalTTL <= 0 {
		cfg.RetrievalTTL = DefaultConfig.RetrievalTTL
	}
	if cfg.ItemTTL <= 0 {
		cfg.ItemTTL = DefaultConfig.ItemTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultConfig.BatchConcurrency
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig.Namespace
	}
	return &cfg
}
