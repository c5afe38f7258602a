// Package tools binds the knowledge service and storage manager to named
// tools with JSON arguments, and serves them over MCP.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/becomeliminal/nim-knowledge/knowledge"
	"github.com/becomeliminal/nim-knowledge/knowledge/embedder/remote"
	"github.com/becomeliminal/nim-knowledge/storage"
)

// ErrUnknownTool is returned by Dispatch for names with no registered handler.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Definition describes a tool to callers.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"input_schema"`

	// ReadOnly tools never change stored state.
	ReadOnly bool `json:"read_only"`
}

// Result is the outcome of a tool call.
type Result struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Handler executes a tool. Returned errors become failed Results.
type Handler func(ctx context.Context, input json.RawMessage) (*Result, error)

type entry struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to handlers.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]entry),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" || h == nil {
		return errors.New("tools: definition needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("tools: %s already registered", def.Name)
	}
	r.tools[def.Name] = entry{def: def, handler: h}
	return nil
}

// Definitions returns every registered tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch runs the named tool. Only an unknown name returns an error;
// handler failures are reported in the Result.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage) (*Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	result, err := e.handler(ctx, input)
	if err != nil {
		result = &Result{Error: err.Error(), ErrorType: categorizeError(err)}
	} else if result == nil {
		result = &Result{Error: "no result returned", ErrorType: "unknown"}
	}
	r.logger.Info("tool call",
		"tool", name,
		"success", result.Success,
		"error_type", result.ErrorType,
		"duration_ms", time.Since(start).Milliseconds(),
		"thought", truncate(thoughtOf(input), 200))
	return result, nil
}

// thoughtOf extracts the thought for logging. Malformed input yields "";
// the handler decodes the same input and reports the error.
func thoughtOf(input json.RawMessage) string {
	var base BaseInput
	if err := json.Unmarshal(input, &base); err != nil {
		return ""
	}
	return base.Thought
}

// categorizeError maps errors to stable error types callers can branch on.
func categorizeError(err error) string {
	switch {
	case errors.Is(err, knowledge.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, knowledge.ErrCorrupt), errors.Is(err, storage.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, storage.ErrTooLarge):
		return "too_large"
	case errors.Is(err, errInvalidInput),
		errors.Is(err, knowledge.ErrInvalidArgument),
		errors.Is(err, knowledge.ErrDimensionMismatch),
		errors.Is(err, storage.ErrConfig),
		errors.Is(err, storage.ErrInvalidID):
		return "invalid_input"
	case errors.Is(err, remote.ErrUnauthorized):
		return "permission_denied"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "unknown"
	}
}

// formatResult renders a result as text for callers that only read text.
func formatResult(result *Result) string {
	if !result.Success {
		return fmt.Sprintf("Failed (%s): %s", result.ErrorType, result.Error)
	}
	switch v := result.Data.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func success(data any) *Result {
	return &Result{Success: true, Data: data}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
