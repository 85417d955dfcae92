// Package storage provides durable persistence for vector records and the
// serialized graph snapshot.
//
// The persisted layout is two logical collections: vector records keyed by
// id, and a single snapshot entry. The graph structure itself is opaque to
// this package; it stores whatever snapshot bytes it is handed.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyOpen is returned when the storage target is exclusively held
	// by another open handle.
	ErrAlreadyOpen = errors.New("storage: already open")

	// ErrClosed is returned when operating on a closed storage handle.
	ErrClosed = errors.New("storage: closed")
)

// Record is one persisted vector: its id, the associated document id, and
// the raw embedding. The record store is the sole owner of vector data; the
// graph only references ids.
type Record struct {
	ID         uint64
	DocumentID string
	Vector     []float32
}

// Storage persists vector records and the graph snapshot.
// Implementations must be safe for concurrent use.
type Storage interface {
	// PutRecord inserts or overwrites a record.
	PutRecord(ctx context.Context, rec Record) error

	// DeleteRecord removes a record. Deleting an absent id is a no-op.
	DeleteRecord(ctx context.Context, id uint64) error

	// Records returns all records in ascending id order.
	Records(ctx context.Context) ([]Record, error)

	// PutSnapshot replaces the stored graph snapshot.
	PutSnapshot(ctx context.Context, data []byte) error

	// Snapshot returns the stored graph snapshot, or nil if none exists.
	Snapshot(ctx context.Context) ([]byte, error)

	// Close releases the storage resource.
	Close() error
}
