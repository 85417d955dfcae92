package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("hnsw: k must be positive")

	// ErrIndexCorrupted is returned when an internal graph invariant is
	// violated. The index should be rebuilt from the vector records.
	ErrIndexCorrupted = errors.New("hnsw: index corrupted")

	// ErrSnapshotCorrupted is returned when a snapshot fails its internal
	// consistency checks.
	ErrSnapshotCorrupted = errors.New("hnsw: snapshot corrupted")

	// ErrUnsupportedSnapshotVersion is returned when a snapshot was written
	// by a newer format version than this build supports.
	ErrUnsupportedSnapshotVersion = errors.New("hnsw: unsupported snapshot version")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
