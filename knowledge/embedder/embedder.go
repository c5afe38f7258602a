// Package embedder builds the configured embedding provider.
package embedder

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/becomeliminal/nim-knowledge/knowledge"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder/mock"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder/onnx"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder/remote"
)

// Providers.
const (
	Mock   = "mock"
	Local  = "local"
	Remote = "remote"
)

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Model      string
	Dimensions int
	Remote     remote.Config
	ONNX       onnx.Config
	Logger     *slog.Logger
}

// New constructs the provider and embeds a probe text so that an unreachable,
// unauthorised or mis-sized provider fails here rather than on first use.
func New(ctx context.Context, cfg Config) (knowledge.Embedder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		e   knowledge.Embedder
		err error
	)
	switch cfg.Provider {
	case Mock:
		opts := []mock.Option{mock.WithDimensions(cfg.Dimensions)}
		if cfg.Model != "" {
			opts = append(opts, mock.WithModel(cfg.Model))
		}
		e = mock.New(opts...)
	case Local:
		oc := cfg.ONNX
		oc.Model, oc.Dimensions, oc.Logger = cfg.Model, cfg.Dimensions, cfg.Logger
		e, err = onnx.New(oc)
	case Remote:
		rc := cfg.Remote
		rc.Model, rc.Dimensions, rc.Logger = cfg.Model, cfg.Dimensions, cfg.Logger
		e, err = remote.New(rc)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", cfg.Provider, err)
	}

	if err := Probe(ctx, e, cfg.Dimensions); err != nil {
		Close(e)
		return nil, err
	}
	cfg.Logger.Info("embedding provider ready",
		"component", "embedder", "provider", cfg.Provider, "model", e.Model(), "dimensions", e.Dimensions())
	return e, nil
}

// Probe embeds a short text and checks the vector length against want.
func Probe(ctx context.Context, e knowledge.Embedder, want int) error {
	v, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return fmt.Errorf("embedding provider unavailable: %w", err)
	}
	if len(v) != want || e.Dimensions() != want {
		return fmt.Errorf("%w: provider %s produces %d dimensions, configured %d",
			knowledge.ErrDimensionMismatch, e.Model(), len(v), want)
	}
	return nil
}

// Close releases provider resources when the embedder holds any.
func Close(e knowledge.Embedder) error {
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Cached memoises vectors of recently embedded texts.
type Cached struct {
	knowledge.Embedder
	lru *lru.Cache[string, []float32]
}

// NewCached wraps e with an LRU of size entries.
func NewCached(e knowledge.Embedder, size int) (*Cached, error) {
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cached{Embedder: e, lru: c}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.lru.Get(text); ok {
		return clone(v), nil
	}
	v, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(text, clone(v))
	return v, nil
}

// EmbedBatch sends only the texts not already cached.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, t := range texts {
		if v, ok := c.lru.Get(t); ok {
			out[i] = clone(v)
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.Embedder.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, v := range vecs {
		c.lru.Add(missing[j], clone(v))
		out[slots[j]] = v
	}
	return out, nil
}

// Close closes the wrapped embedder.
func (c *Cached) Close() error {
	return Close(c.Embedder)
}

func clone(v []float32) []float32 {
	return append([]float32(nil), v...)
}
