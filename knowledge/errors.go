package knowledge

import "errors"

var (
	// ErrNotFound is returned when a knowledge id does not exist.
	ErrNotFound = errors.New("knowledge: not found")

	// ErrCorrupt is returned when stored data cannot be decoded.
	ErrCorrupt = errors.New("knowledge: corrupt data")

	// ErrDimensionMismatch is returned when a vector length differs from the configured dimension.
	ErrDimensionMismatch = errors.New("knowledge: dimension mismatch")

	// ErrIncompatibleSpace is returned when vectors from different embedding models would be mixed.
	ErrIncompatibleSpace = errors.New("knowledge: incompatible embedding space")

	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("knowledge: invalid argument")
)
