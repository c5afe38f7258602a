//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// ONNXEmbedder generates embeddings using ONNX Runtime.
type ONNXEmbedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *BERTTokenizer
	model      string
	dimensions int
	maxLen     int
	logger     *slog.Logger

	// mu serialises Run calls on the shared session.
	mu sync.Mutex
}

// New creates a new ONNX embedder.
func New(cfg Config) (*ONNXEmbedder, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("component", "onnx")

	envOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", envErr)
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load BERT tokenizer: %w", err)
	}

	// Open once without I/O names to read the model metadata.
	probe, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ONNX model: %w", err)
	}
	if metadata, err := probe.GetModelMetadata(); err == nil {
		producer, _ := metadata.GetProducerName()
		version, _ := metadata.GetVersion()
		logger.Info("loaded model", "path", cfg.ModelPath, "producer", producer, "version", version)
		metadata.Destroy()
	}
	probe.Destroy()

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tokenizer,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxLength,
		logger:     logger,
	}, nil
}

// Embed converts text to embedding vector.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch runs one inference over texts padded to the longest sequence.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([][]int64, len(texts))
	masks := make([][]int64, len(texts))
	seqLen := 0
	for i, text := range texts {
		ids[i], masks[i] = e.tokenizer.Encode(text, e.maxLen)
		seqLen = max(seqLen, len(ids[i]))
	}

	batch := len(texts)
	flatIDs := make([]int64, batch*seqLen)
	flatMask := make([]int64, batch*seqLen)
	tokenTypeIDs := make([]int64, batch*seqLen)
	for b := range ids {
		for i := 0; i < seqLen; i++ {
			pos := b*seqLen + i
			if i < len(ids[b]) {
				flatIDs[pos] = ids[b][i]
				flatMask[pos] = 1
			} else {
				flatIDs[pos] = int64(e.tokenizer.padToken)
			}
		}
		// pooling reads the padded mask
		masks[b] = flatMask[b*seqLen : (b+1)*seqLen]
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	inputIDsTensor, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIDsTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	// nil outputs are allocated by Run
	inputTensors := []ort.Value{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor}
	outputTensors := []ort.Value{nil}

	e.mu.Lock()
	err = e.session.Run(inputTensors, outputTensors)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}
	defer func() {
		for _, output := range outputTensors {
			if output != nil {
				output.Destroy()
			}
		}
	}()

	outputTensor, ok := outputTensors[0].(*ort.Tensor[float32])
	if !ok || outputTensor == nil {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputTensors[0])
	}
	data := outputTensor.GetData()
	outShape := outputTensor.GetShape()

	var pooled [][]float32
	switch len(outShape) {
	case 2:
		// Already pooled: [batch, hidden]
		if int(outShape[1]) != e.dimensions || len(data) < batch*e.dimensions {
			return nil, fmt.Errorf("output dimension mismatch: got %v, expected %d", outShape, e.dimensions)
		}
		pooled = make([][]float32, batch)
		for b := range pooled {
			pooled[b] = append([]float32(nil), data[b*e.dimensions:(b+1)*e.dimensions]...)
		}
	case 3:
		// [batch, seq_len, hidden] needs mean pooling
		if outShape[2] != int64(e.dimensions) {
			return nil, fmt.Errorf("hidden size mismatch: got %d, expected %d", outShape[2], e.dimensions)
		}
		pooled = meanPool(data, masks, int(outShape[1]), e.dimensions)
	default:
		return nil, fmt.Errorf("unexpected output shape: %v", outShape)
	}

	for i := range pooled {
		pooled[i] = normalize(pooled[i])
	}
	e.logger.Debug("embedded batch", "texts", batch, "seq_len", seqLen)
	return pooled, nil
}

// Dimensions returns the embedding vector size.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Model returns the configured model name.
func (e *ONNXEmbedder) Model() string {
	return e.model
}

// Close releases ONNX resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
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
