package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vectors.db")

	s, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSQLiteRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.PutRecord(ctx, Record{ID: 2, DocumentID: "doc-2", Vector: []float32{0.5, -1.25, 3}}))
	require.NoError(t, s.PutRecord(ctx, Record{ID: 1, DocumentID: "doc-1", Vector: []float32{1, 2, 3}}))

	records, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, uint64(1), records[0].ID)
	assert.Equal(t, "doc-1", records[0].DocumentID)
	assert.Equal(t, []float32{1, 2, 3}, records[0].Vector)
	assert.Equal(t, uint64(2), records[1].ID)
	assert.Equal(t, []float32{0.5, -1.25, 3}, records[1].Vector)
}

func TestSQLiteOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.PutRecord(ctx, Record{ID: 1, DocumentID: "a", Vector: []float32{1}}))
	require.NoError(t, s.PutRecord(ctx, Record{ID: 1, DocumentID: "b", Vector: []float32{2}}))

	records, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, "b", records[0].DocumentID)
	assert.Equal(t, []float32{2}, records[0].Vector)
}

func TestSQLiteDeleteAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.PutRecord(ctx, Record{ID: 1, DocumentID: "a", Vector: []float32{1}}))
	require.NoError(t, s.DeleteRecord(ctx, 99))
	require.NoError(t, s.DeleteRecord(ctx, 1))

	records, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	data, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.PutSnapshot(ctx, []byte("snap-1")))
	require.NoError(t, s.PutSnapshot(ctx, []byte("snap-2")))

	data, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("snap-2"), data)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	s, err := NewSQLite(ctx, path)
	require.NoError(t, err)

	require.NoError(t, s.PutRecord(ctx, Record{ID: 7, DocumentID: "doc-7", Vector: []float32{4, 5}}))
	require.NoError(t, s.PutSnapshot(ctx, []byte("snap")))
	require.NoError(t, s.Close())

	s2, err := NewSQLite(ctx, path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s2.Close() })

	records, err := s2.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(7), records[0].ID)

	data, err := s2.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), data)
}

func TestSQLiteExclusiveOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	s, err := NewSQLite(ctx, path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	_, err = NewSQLite(ctx, path)
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	// The lock is released on close.
	require.NoError(t, s.Close())

	s2, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestFloat32SliceCodec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := decodeFloat32Slice(encodeFloat32Slice(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeFloat32Slice([]byte{1, 2, 3})
	assert.Error(t, err)
}
