// Package onnx embeds text locally with a sentence-transformer model run by
// ONNX Runtime. Inference requires building with -tags onnx and the
// onnxruntime shared library; without the tag New reports ErrUnavailable.
package onnx

import (
	"errors"
	"log/slog"
)

// ErrUnavailable is returned by New in builds without ONNX Runtime support.
var ErrUnavailable = errors.New("onnx: embedder not compiled in (build with -tags onnx)")

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// LibraryPath locates libonnxruntime. Empty uses the system default.
	LibraryPath string

	// Model names the embedding space (default: all-MiniLM-L6-v2).
	Model string

	// Dimensions is the embedding vector size (default: 384 for all-MiniLM-L6-v2).
	Dimensions int

	// MaxLength caps tokens per text including [CLS] and [SEP] (default: 128).
	MaxLength int

	Logger *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.ModelPath == "" {
		return c, errors.New("onnx: ModelPath is required")
	}
	if c.TokenizerPath == "" {
		return c, errors.New("onnx: TokenizerPath is required")
	}
	if c.Model == "" {
		c.Model = "all-MiniLM-L6-v2"
	}
	if c.Dimensions <= 0 {
		c.Dimensions = 384
	}
	if c.MaxLength <= 2 {
		c.MaxLength = 128
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}
