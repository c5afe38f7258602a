package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	providers     = []string{"local", "remote", "mock"}
	remoteKinds   = []string{"openai", "ollama"}
	cacheBackends = []string{"memory", "redis", "none"}
	logLevels     = []string{"debug", "info", "warn", "error"}
	logFormats    = []string{"text", "json"}
)

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(providers, c.Provider) {
		errs = append(errs, fmt.Errorf("config: provider must be one of %v, got %q", providers, c.Provider))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("config: model is required"))
	}
	if c.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("config: dimension must be positive, got %d", c.Dimension))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("config: cache_ttl must not be negative, got %d", c.CacheTTL))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("config: chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.MaxChunks <= 0 {
		errs = append(errs, fmt.Errorf("config: max_chunks must be positive, got %d", c.MaxChunks))
	}
	errs = append(errs, checkThreshold("similarity_threshold", c.SimilarityThreshold)...)
	errs = append(errs, checkThreshold("retrieval.find_similar_threshold", c.Retrieval.FindSimilarThreshold)...)

	// onnx paths are checked when the local embedder is built.
	if c.Provider == "remote" {
		if !slices.Contains(remoteKinds, c.Remote.Kind) {
			errs = append(errs, fmt.Errorf("config: remote.kind must be one of %v, got %q", remoteKinds, c.Remote.Kind))
		}
		if c.Remote.Kind == "openai" && c.Remote.APIKey == "" && c.Remote.BaseURL == "" {
			errs = append(errs, errors.New("config: remote.api_key is required for the OpenAI API"))
		}
		if c.Remote.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("config: remote.rate_limit must not be negative, got %v", c.Remote.RateLimit))
		}
	}

	if !slices.Contains(cacheBackends, c.Cache.Backend) {
		errs = append(errs, fmt.Errorf("config: cache.backend must be one of %v, got %q", cacheBackends, c.Cache.Backend))
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		errs = append(errs, errors.New("config: cache.redis_url is required for the redis backend"))
	}

	h := c.Storage.Hybrid
	if h.Encryption && c.Storage.EncryptionKey == "" {
		errs = append(errs, errors.New("config: storage.encryption_key is required when storage.hybrid.encryption is on"))
	}
	for _, b := range h.Backends {
		if b != "local" && b != "s3" {
			errs = append(errs, fmt.Errorf("config: storage.hybrid.backends: unknown backend %q", b))
		}
		if b == "s3" && c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("config: storage.s3.bucket is required for the s3 backend"))
		}
	}

	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("config: log.level must be one of %v, got %q", logLevels, c.Log.Level))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("config: log.format must be one of %v, got %q", logFormats, c.Log.Format))
	}

	return errors.Join(errs...)
}

func checkThreshold(name string, v float64) []error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return []error{fmt.Errorf("config: %s must be within [0, 1], got %v", name, v)}
	}
	return nil
}
