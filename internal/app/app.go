// Package app builds every collaborator once at process start and owns
// their lifetimes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/becomeliminal/nim-knowledge/cache"
	"github.com/becomeliminal/nim-knowledge/config"
	"github.com/becomeliminal/nim-knowledge/knowledge"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder/onnx"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder/remote"
	"github.com/becomeliminal/nim-knowledge/knowledge/store/chromem"
	"github.com/becomeliminal/nim-knowledge/metrics"
	"github.com/becomeliminal/nim-knowledge/storage"
	"github.com/becomeliminal/nim-knowledge/tools"
	"github.com/becomeliminal/nim-knowledge/tracing"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// Name is the service name reported to MCP clients and tracing.
const Name = "nim-knowledge"

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Prometheus
	Tracing   *tracing.Provider
	Embedder  knowledge.Embedder
	Vectors   *chromem.Store
	Index     *chromem.Index
	Cache     *cache.Cache
	Knowledge *knowledge.Service
	Storage   *storage.Manager
	Tools     *tools.Registry

	batch   knowledge.Embedder
	closers []func() error
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New wires the application from cfg. On error every component built so
// far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = NewLogger(cfg.Log, nil)
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Metrics = metrics.New(cfg.Telemetry.MetricsNamespace)

	a.Tracing, err = tracing.New(ctx, cfg.Telemetry.Tracing, Version, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Tracing.Shutdown(sctx)
	})

	if err := a.buildEmbedders(ctx); err != nil {
		return nil, err
	}
	if err := a.buildIndex(); err != nil {
		return nil, err
	}
	if err := a.buildCache(ctx); err != nil {
		return nil, err
	}
	if err := a.buildService(); err != nil {
		return nil, err
	}
	if err := a.buildStorage(ctx); err != nil {
		return nil, err
	}

	a.Tools = tools.NewRegistry(logger)
	if err := tools.RegisterKnowledgeTools(a.Tools, a.Knowledge, a.Storage); err != nil {
		return nil, err
	}
	if err := tools.RegisterStorageTools(a.Tools, a.Storage); err != nil {
		return nil, err
	}

	logger.Info("application ready",
		"component", "app",
		"version", Version,
		"space", a.Index.Space().String(),
		"items", a.Index.Count(),
		"cache", a.Cache.Enabled())
	return a, nil
}

// buildEmbedders creates the interactive embedder and, for the remote
// provider, a second client with its own connection pool and retries for
// batch jobs.
func (a *App) buildEmbedders(ctx context.Context) error {
	cfg := a.Config
	ec := embedder.Config{
		Provider:   cfg.Provider,
		Model:      cfg.Model,
		Dimensions: cfg.Dimension,
		Remote: remote.Config{
			Provider:  cfg.Remote.Kind,
			BaseURL:   cfg.Remote.BaseURL,
			APIKey:    cfg.Remote.APIKey,
			MaxBatch:  cfg.Remote.MaxBatch,
			RateLimit: cfg.Remote.RateLimit,
			Burst:     cfg.Remote.Burst,
			Timeout:   cfg.Remote.Timeout,
		},
		ONNX: onnx.Config{
			ModelPath:     cfg.ONNX.ModelPath,
			TokenizerPath: cfg.ONNX.TokenizerPath,
			LibraryPath:   cfg.ONNX.LibraryPath,
			MaxLength:     cfg.ONNX.MaxLength,
		},
		Logger: a.Logger,
	}
	base, err := embedder.New(ctx, ec)
	if err != nil {
		return err
	}
	a.onClose(func() error { return embedder.Close(base) })
	a.Embedder = base

	if n := cfg.Cache.QueryEmbeddings; n > 0 {
		cached, err := embedder.NewCached(base, n)
		if err != nil {
			return err
		}
		a.Embedder = cached
	}

	batch := base
	if cfg.Provider == embedder.Remote {
		rc := ec.Remote
		rc.Model, rc.Dimensions, rc.Logger = cfg.Model, cfg.Dimension, a.Logger
		rc.MaxRetries = cfg.Remote.BatchRetries
		rb, err := remote.New(rc)
		if err != nil {
			return fmt.Errorf("create batch embedder: %w", err)
		}
		a.onClose(func() error { return embedder.Close(rb) })
		batch = rb
	}
	a.batch = batch
	return nil
}

func (a *App) buildIndex() error {
	cfg := a.Config
	var (
		store *chromem.Store
		err   error
	)
	if cfg.Index.InMemory {
		store = chromem.New()
	} else {
		store, err = chromem.Open(chromem.Options{
			Path:     cfg.IndexPath(),
			Compress: cfg.Index.Compress,
			Logger:   a.Logger,
		})
		if err != nil {
			return err
		}
	}
	a.Vectors = store
	a.onClose(store.Close)

	space := knowledge.SpaceOf(a.Embedder)
	for _, other := range store.Spaces() {
		if other != space {
			a.Logger.Warn("index holds vectors of another embedding space; run reindex to migrate them",
				"component", "app", "space", other.String(), "current", space.String())
		}
	}
	a.Index, err = store.Index(space)
	return err
}

func (a *App) buildService() error {
	cfg := a.Config
	svc, err := knowledge.New(knowledge.Options{
		Embedder:      a.Embedder,
		BatchEmbedder: a.batch,
		Index:         a.Index,
		Cache:         a.Cache,
		Config: &knowledge.Config{
			SimilarityThreshold:  cfg.SimilarityThreshold,
			FindSimilarThreshold: cfg.Retrieval.FindSimilarThreshold,
			NResults:             cfg.Retrieval.NResults,
			CacheEnabled:         cfg.CacheEnabled,
			RetrievalTTL:         time.Duration(cfg.CacheTTL) * time.Second,
			ItemTTL:              time.Duration(cfg.Cache.ItemTTL) * time.Second,
			BatchSize:            cfg.Retrieval.BatchSize,
			BatchConcurrency:     cfg.Retrieval.BatchConcurrency,
			Namespace:            cfg.Retrieval.Namespace,
		},
		Logger:         a.Logger,
		Metrics:        a.Metrics,
		TracerProvider: a.Tracing,
	})
	if err != nil {
		return err
	}
	a.Knowledge = svc
	return nil
}

func (a *App) buildCache(ctx context.Context) error {
	cfg := a.Config
	var backend cache.Backend
	switch {
	case !cfg.CacheEnabled || cfg.Cache.Backend == "none":
		backend = cache.NoopBackend{}
	case cfg.Cache.Backend == "redis":
		rb, err := cache.DialRedis(cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		if err := rb.Ping(ctx); err != nil {
			// fail open: the service runs uncached until redis is back
			a.Logger.Warn("redis unreachable at startup", "component", "app", "error", err)
		}
		backend = rb
	default:
		mb, err := cache.NewMemoryBackend(cfg.Cache.MemoryBytes)
		if err != nil {
			return err
		}
		backend = mb
	}
	a.Cache = cache.New(backend, cache.Options{
		DefaultTTL: time.Duration(cfg.CacheTTL) * time.Second,
		OpTimeout:  cfg.Cache.OpTimeout,
		Logger:     a.Logger,
		Metrics:    a.Metrics,
	})
	a.onClose(a.Cache.Close)
	return nil
}

func (a *App) buildStorage(ctx context.Context) error {
	cfg := a.Config
	blobs := map[string]storage.BlobStore{}
	backends := cfg.Storage.Hybrid.Backends
	if slices.Contains(backends, storage.LocalBackend) || len(backends) == 0 {
		local, err := storage.NewLocalBlobs(cfg.BlobDir())
		if err != nil {
			return err
		}
		blobs[storage.LocalBackend] = local
	}
	if cfg.Storage.S3.Bucket != "" {
		s3, err := storage.NewS3Blobs(ctx, storage.S3Config(cfg.Storage.S3))
		if err != nil {
			return err
		}
		blobs["s3"] = s3
	}

	m, err := storage.Open(ctx, storage.Options{
		Path:          cfg.StoragePath(),
		Blobs:         blobs,
		EncryptionKey: cfg.Storage.EncryptionKey,
		Chunking: storage.ChunkingConfig{
			Enabled:   cfg.Storage.ChunkingEnabled,
			ChunkSize: cfg.ChunkSize,
			MaxChunks: cfg.MaxChunks,
		},
		Hybrid:         storage.HybridConfig(cfg.Storage.Hybrid),
		Logger:         a.Logger,
		Metrics:        a.Metrics,
		TracerProvider: a.Tracing,
	})
	if err != nil {
		return err
	}
	a.Storage = m
	a.onClose(m.Close)
	return nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases components in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenIndex opens the index of another embedding space in the same store,
// the source of a reindex.
func (a *App) OpenIndex(model string, dimensions int) (*chromem.Index, error) {
	space := knowledge.Space{Model: model, Dimensions: dimensions}
	if space == a.Index.Space() {
		return nil, fmt.Errorf("%w: %s is the current space", knowledge.ErrInvalidArgument, space)
	}
	for _, s := range a.Vectors.Spaces() {
		if s == space {
			return a.Vectors.Index(space)
		}
	}
	var known []string
	for _, s := range a.Vectors.Spaces() {
		known = append(known, s.String())
	}
	return nil, fmt.Errorf("%w: no vectors for %s (have %s)", knowledge.ErrNotFound, space, strings.Join(known, ", "))
}
