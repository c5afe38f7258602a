package knowledge

import (
	"encoding/json"
	"math"
	"strconv"
)

// CosineSimilarity returns dot(a,b)/(|a||b|).
// It is 0 when either vector has zero norm or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

// DistanceFromCosine converts a cosine similarity to the Euclidean distance
// between the corresponding unit vectors.
func DistanceFromCosine(cos float64) float64 {
	if math.IsNaN(cos) {
		return 2
	}
	d := 2 - 2*cos
	if d < 0 {
		d = 0
	}
	return math.Sqrt(d)
}

// ScoreFromDistance maps a distance to a similarity score in (0,1].
// Ordering is preserved: a smaller distance always gives a larger score.
func ScoreFromDistance(d float64) float64 {
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	return 1 / (1 + d)
}

// IsZeroVector reports whether every component of v is zero.
func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Normalize returns v scaled to unit length. Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// FormatScalar renders a metadata value as the string used for exact-match filtering.
// Structured values (maps, slices) report false.
func FormatScalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// MetadataValue renders any metadata value as a string. Scalars use
// FormatScalar; structured values are JSON-encoded.
func MetadataValue(v any) string {
	if s, ok := FormatScalar(v); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
