// Package remote embeds text through an HTTP embedding API.
//
// Two wire formats are supported:
//   - "openai": any OpenAI-compatible POST {base}/embeddings endpoint
//   - "ollama": Ollama's POST {base}/api/embed endpoint
//
// Both accept a list of inputs, so EmbedBatch costs one request per MaxBatch texts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/becomeliminal/nim-knowledge/knowledge"
)

// Provider wire formats.
const (
	OpenAI = "openai"
	Ollama = "ollama"
)

// ErrUnauthorized is returned when the provider rejects the credentials.
var ErrUnauthorized = errors.New("remote: embedding provider rejected credentials")

// Config configures a remote embedder.
type Config struct {
	// Provider is OpenAI or Ollama. Default: OpenAI.
	Provider string

	// BaseURL defaults to https://api.openai.com/v1 or http://localhost:11434.
	BaseURL string

	APIKey string

	// Model is required.
	Model string

	// Dimensions is the expected vector length. Required.
	Dimensions int

	// MaxBatch caps inputs per request. Default: 64.
	MaxBatch int

	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64

	// Burst is the token bucket size. Default: 1.
	Burst int

	// MaxRetries retries 429 and 5xx responses with exponential backoff.
	// Default 0: interactive callers want failures surfaced immediately.
	MaxRetries int

	// Timeout per request. Default: 30s.
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Embedder calls a remote embedding API.
type Embedder struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a remote embedder. It does not contact the provider.
func New(cfg Config) (*Embedder, error) {
	if cfg.Provider == "" {
		cfg.Provider = OpenAI
	}
	switch cfg.Provider {
	case OpenAI:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
	case Ollama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
	default:
		return nil, fmt.Errorf("remote: unknown provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, errors.New("remote: model is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, errors.New("remote: dimensions must be positive")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Embedder{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  cfg.Logger.With("component", "embedder", "provider", cfg.Provider, "model", cfg.Model),
	}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in requests of at most MaxBatch inputs.
// Blank texts are not sent and map to zero vectors.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		pending []string
		slots   []int
	)
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, e.cfg.Dimensions)
			continue
		}
		pending = append(pending, t)
		slots = append(slots, i)
	}

	for start := 0; start < len(pending); start += e.cfg.MaxBatch {
		end := min(start+e.cfg.MaxBatch, len(pending))
		vecs, err := e.request(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			if len(v) != e.cfg.Dimensions {
				return nil, fmt.Errorf("%w: %s returned %d dimensions, expected %d",
					knowledge.ErrDimensionMismatch, e.cfg.Model, len(v), e.cfg.Dimensions)
			}
			out[slots[start+j]] = v
		}
	}
	return out, nil
}

func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

func (e *Embedder) Model() string {
	return e.cfg.Model
}

// request sends one batch, retrying transient failures up to MaxRetries times.
func (e *Embedder) request(ctx context.Context, inputs []string) ([][]float32, error) {
	backoff := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		vecs, err := e.do(ctx, inputs)
		var se *statusError
		if err == nil || !errors.As(err, &se) || !se.retryable() || attempt >= e.cfg.MaxRetries {
			return vecs, err
		}
		e.logger.Warn("embedding request failed, retrying", "status", se.code, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (e *Embedder) do(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var (
		url  string
		body []byte
		err  error
	)
	switch e.cfg.Provider {
	case Ollama:
		url = e.cfg.BaseURL + "/api/embed"
		body, err = json.Marshal(ollamaRequest{Model: e.cfg.Model, Input: inputs})
	default:
		url = e.cfg.BaseURL + "/embeddings"
		body, err = json.Marshal(openaiRequest{Model: e.cfg.Model, Input: inputs})
	}
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", e.cfg.Provider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{provider: e.cfg.Provider, code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}

	var vecs [][]float32
	if e.cfg.Provider == Ollama {
		vecs, err = decodeOllama(resp.Body)
	} else {
		vecs, err = decodeOpenAI(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", e.cfg.Provider, err)
	}
	if len(vecs) != len(inputs) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", e.cfg.Provider, len(vecs), len(inputs))
	}
	e.logger.Debug("embedded batch", "inputs", len(inputs), "duration", time.Since(start))
	return vecs, nil
}

type statusError struct {
	provider string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.provider, e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// decodeOpenAI orders vectors by their index field; providers may return them shuffled.
func decodeOpenAI(r io.Reader) ([][]float32, error) {
	var resp openaiResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("invalid embedding index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func decodeOllama(r io.Reader) ([][]float32, error) {
	var resp ollamaResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}
