package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Values are stored with a one-byte format tag followed by the payload.
const (
	formatJSON byte = 'j'
	formatCBOR byte = 'c'
)

var errUnknownFormat = errors.New("cache: unknown value format")

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Encode serializes v as JSON, falling back to CBOR for values JSON cannot
// represent (NaN or infinite floats, non-string map keys).
func Encode(v any) ([]byte, error) {
	b, jerr := json.Marshal(v)
	if jerr == nil {
		return append([]byte{formatJSON}, b...), nil
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", errors.Join(jerr, err))
	}
	return append([]byte{formatCBOR}, b...), nil
}

// Decode reverses Encode into dst.
func Decode(data []byte, dst any) error {
	if len(data) == 0 {
		return errUnknownFormat
	}
	switch data[0] {
	case formatJSON:
		return json.Unmarshal(data[1:], dst)
	case formatCBOR:
		return decMode.Unmarshal(data[1:], dst)
	default:
		return errUnknownFormat
	}
}
