//go:build !onnx

package onnx

import (
	"context"
)

// ONNXEmbedder is unavailable in this build.
type ONNXEmbedder struct{}

// New always fails without the onnx build tag.
func New(cfg Config) (*ONNXEmbedder, error) {
	return nil, ErrUnavailable
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrUnavailable
}

func (e *ONNXEmbedder) Dimensions() int { return 0 }

func (e *ONNXEmbedder) Model() string { return "" }

func (e *ONNXEmbedder) Close() error { return nil }
