package storage

import (
	"bytes"
	"fmt"
)

// Chunk is one stored piece of a chunked memory.
type Chunk struct {
	MemoryID      string `json:"memory_id"`
	SequenceIndex int    `json:"sequence_index"`
	Payload       []byte `json:"payload"`
}

// Split cuts data into pieces of at most size bytes. Only the last piece may
// be shorter. Empty data gives no pieces.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		panic("storage: non-positive chunk size")
	}
	pieces := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		pieces = append(pieces, data[start:min(start+size, len(data))])
	}
	return pieces
}

// Reassemble concatenates decoded chunks in sequence order. chunks must be
// sorted by SequenceIndex and cover 0..want-1 without gaps.
func Reassemble(chunks []Chunk, want int, decode func([]byte) ([]byte, error)) ([]byte, error) {
	if len(chunks) != want {
		return nil, fmt.Errorf("%w: expected %d chunks, found %d", ErrCorrupt, want, len(chunks))
	}
	var buf bytes.Buffer
	for i, c := range chunks {
		if c.SequenceIndex != i {
			return nil, fmt.Errorf("%w: missing chunk %d", ErrCorrupt, i)
		}
		piece, err := decode(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrCorrupt, i, err)
		}
		buf.Write(piece)
	}
	return buf.Bytes(), nil
}

// encode compresses and, for hybrid parts, encrypts one payload.
func (m *Manager) encode(data []byte, compress, encrypt bool) ([]byte, error) {
	out := data
	if compress {
		out = m.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	if encrypt {
		sealed, err := seal(m.key, out)
		if err != nil {
			return nil, fmt.Errorf("encrypt: %w", err)
		}
		out = sealed
	}
	return out, nil
}

// decode reverses encode.
func (m *Manager) decode(data []byte, compressed, encrypted bool) ([]byte, error) {
	out := data
	if encrypted {
		if m.key == nil {
			return nil, fmt.Errorf("%w: memory is encrypted but no key is configured", ErrConfig)
		}
		plain, err := open(m.key, out)
		if err != nil {
			return nil, err
		}
		out = plain
	}
	if compressed {
		plain, err := m.dec.DecodeAll(out, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		out = plain
	}
	return out, nil
}
