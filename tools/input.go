package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// errInvalidInput marks tool arguments that could not be decoded or validated.
var errInvalidInput = errors.New("invalid input")

// BaseInput provides common fields for all tool inputs.
// Tool inputs embed this struct to accept the optional reasoning note.
type BaseInput struct {
	// Thought is the caller's reasoning for the call. It is logged, never stored.
	Thought string `json:"thought,omitempty"`
}

// decodeInput unmarshals tool arguments into T. Empty input decodes as {}.
func decodeInput[T any](input json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(input)) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	return v, nil
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", errInvalidInput, field)
	}
	return nil
}
