package hnswstore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/hnswstore/hnsw"
	"github.com/hupe1980/hnswstore/storage"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrStorageAlreadyOpen is returned when the backing storage is already
	// held open by another store.
	ErrStorageAlreadyOpen = errors.New("storage already open")

	// ErrOpenCancelled is returned when Open is aborted by context cancellation.
	ErrOpenCancelled = errors.New("open cancelled")

	// ErrSnapshotCorrupted is returned when a persisted graph snapshot fails
	// structural validation or its checksum.
	ErrSnapshotCorrupted = hnsw.ErrSnapshotCorrupted

	// ErrUnsupportedSnapshotVersion is returned when a persisted graph snapshot
	// was written by a newer format version.
	ErrUnsupportedSnapshotVersion = hnsw.ErrUnsupportedSnapshotVersion

	// ErrIndexCorrupted is returned when the in-memory graph references a node
	// that does not exist.
	ErrIndexCorrupted = hnsw.ErrIndexCorrupted
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	if errors.Is(err, hnsw.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	if errors.Is(err, storage.ErrAlreadyOpen) {
		return fmt.Errorf("%w: %w", ErrStorageAlreadyOpen, err)
	}

	if errors.Is(err, storage.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
