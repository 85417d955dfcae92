package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Storage implementation. Useful for tests and for
// indexes that never need to survive a restart.
type Memory struct {
	mu       sync.RWMutex
	records  map[uint64]Record
	snapshot []byte
	closed   bool
}

var _ Storage = (*Memory)(nil)

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[uint64]Record),
	}
}

// PutRecord inserts or overwrites a record.
func (m *Memory) PutRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)
	rec.Vector = vec
	m.records[rec.ID] = rec
	return nil
}

// DeleteRecord removes a record by id.
func (m *Memory) DeleteRecord(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.records, id)
	return nil
}

// Records returns all stored records in ascending id order.
func (m *Memory) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// PutSnapshot replaces the stored graph snapshot.
func (m *Memory) PutSnapshot(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.snapshot = append([]byte(nil), data...)
	return nil
}

// Snapshot returns the stored graph snapshot, or nil if none exists.
func (m *Memory) Snapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	if m.snapshot == nil {
		return nil, nil
	}
	return append([]byte(nil), m.snapshot...), nil
}

// Close marks the storage closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
