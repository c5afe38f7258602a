// Package config loads the nimk configuration file.
//
// The top-level keys provider, model, dimension, cache_ttl, cache_enabled,
// chunk_size, max_chunks and similarity_threshold are the persisted options
// every deployment sets; the sections below them tune individual components.
package config

import (
	"path/filepath"
	"time"

	"github.com/becomeliminal/nim-knowledge/tracing"
)

// Config is the root of the configuration file.
type Config struct {
	// Provider selects the embedding provider: local, remote or mock.
	Provider string `yaml:"provider"`

	// Model identifies the embedding model.
	Model string `yaml:"model"`

	// Dimension must equal the provider's output length.
	Dimension int `yaml:"dimension"`

	// CacheTTL is the result cache lifetime in seconds.
	CacheTTL     int  `yaml:"cache_ttl"`
	CacheEnabled bool `yaml:"cache_enabled"`

	ChunkSize           int     `yaml:"chunk_size"`
	MaxChunks           int     `yaml:"max_chunks"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// DataDir holds the index and the storage database unless their paths are set.
	DataDir string `yaml:"data_dir"`

	Remote    RemoteConfig    `yaml:"remote"`
	ONNX      ONNXConfig      `yaml:"onnx"`
	Cache     CacheConfig     `yaml:"cache"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// RemoteConfig configures the remote embedding provider.
type RemoteConfig struct {
	// Kind is openai (any OpenAI-compatible endpoint) or ollama.
	Kind      string        `yaml:"kind"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	MaxBatch  int           `yaml:"max_batch"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`

	// BatchRetries applies to batch indexing only; interactive queries never retry.
	BatchRetries int `yaml:"batch_retries"`
}

// ONNXConfig configures the local embedding provider.
type ONNXConfig struct {
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	LibraryPath   string `yaml:"library_path"`
	MaxLength     int    `yaml:"max_length"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// Backend is memory, redis or none.
	Backend     string        `yaml:"backend"`
	RedisURL    string        `yaml:"redis_url"`
	MemoryBytes int64         `yaml:"memory_bytes"`
	OpTimeout   time.Duration `yaml:"op_timeout"`

	// ItemTTL is the single-item lookup lifetime in seconds.
	ItemTTL int `yaml:"item_ttl"`

	// QueryEmbeddings is the size of the in-process LRU of query vectors. 0 disables it.
	QueryEmbeddings int `yaml:"query_embeddings"`
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	// Path is the index directory. Empty uses <data_dir>/index.
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`

	// InMemory skips persistence entirely.
	InMemory bool `yaml:"in_memory"`
}

// RetrievalConfig tunes the knowledge service.
type RetrievalConfig struct {
	NResults             int     `yaml:"n_results"`
	FindSimilarThreshold float64 `yaml:"find_similar_threshold"`
	BatchSize            int     `yaml:"batch_size"`
	BatchConcurrency     int     `yaml:"batch_concurrency"`
	Namespace            string  `yaml:"namespace"`
}

// StorageConfig configures the chunked/hybrid storage manager.
type StorageConfig struct {
	// Path is the SQLite database. Empty uses <data_dir>/memories.db.
	Path string `yaml:"path"`

	// ChunkingEnabled seeds the chunking setting on first open.
	ChunkingEnabled bool `yaml:"chunking_enabled"`

	// EncryptionKey: 64 hex chars, 44 base64 chars or 32 raw bytes.
	EncryptionKey string `yaml:"encryption_key"`

	// BlobDir backs the "local" hybrid tier. Empty uses <data_dir>/blobs.
	BlobDir string `yaml:"blob_dir"`

	Hybrid HybridConfig `yaml:"hybrid"`
	S3     S3Config     `yaml:"s3"`
}

// HybridConfig seeds the hybrid storage setting on first open.
type HybridConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Backends        []string `yaml:"backends"`
	CacheSize       int      `yaml:"cache_size"`
	Compression     bool     `yaml:"compression"`
	Encryption      bool     `yaml:"encryption"`
	PartSize        int      `yaml:"part_size"`
	RemoteThreshold int64    `yaml:"remote_threshold"`
}

// S3Config enables the "s3" hybrid tier when Bucket is set.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsNamespace string         `yaml:"metrics_namespace"`
	Tracing          tracing.Config `yaml:"tracing"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Provider:            "local",
		Model:               "all-MiniLM-L6-v2",
		Dimension:           384,
		CacheTTL:            300,
		CacheEnabled:        true,
		ChunkSize:           10000,
		MaxChunks:           100,
		SimilarityThreshold: 0.5,
		DataDir:             "./data",
		Remote: RemoteConfig{
			Kind:     "openai",
			MaxBatch: 64,
			Burst:    1,
			Timeout:  30 * time.Second,
		},
		ONNX: ONNXConfig{MaxLength: 128},
		Cache: CacheConfig{
			Backend:         "memory",
			MemoryBytes:     64 << 20,
			OpTimeout:       500 * time.Millisecond,
			ItemTTL:         3600,
			QueryEmbeddings: 1024,
		},
		Retrieval: RetrievalConfig{
			NResults:             5,
			FindSimilarThreshold: 0.4,
			BatchSize:            32,
			BatchConcurrency:     2,
			Namespace:            "knowledge",
		},
		Storage: StorageConfig{
			ChunkingEnabled: true,
			Hybrid: HybridConfig{
				Backends:        []string{"local"},
				CacheSize:       128,
				PartSize:        4 << 20,
				RemoteThreshold: 64 << 20,
			},
		},
		Telemetry: TelemetryConfig{
			MetricsNamespace: "nim_knowledge",
			Tracing:          tracing.Config{Protocol: "grpc"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// IndexPath is the resolved vector index directory.
func (c *Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.DataDir, "index")
}

// StoragePath is the resolved SQLite database path.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "memories.db")
}

// BlobDir is the resolved local blob directory.
func (c *Config) BlobDir() string {
	if c.Storage.BlobDir != "" {
		return c.Storage.BlobDir
	}
	return filepath.Join(c.DataDir, "blobs")
}
