package hnswstore

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hnswstore/storage"
)

func TestSaveCloseReopenIdentity(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	opts := []Option{WithDimension(8), WithRandomSeed(7)}

	s, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 300; i++ {
		_, err := s.UpsertVector(ctx, "doc", randomUnitVector(rng, 8))
		require.NoError(t, err)
	}

	query := randomUnitVector(rng, 8)

	before, err := s.Query(ctx, query, 10, 0)
	require.NoError(t, err)
	require.Len(t, before, 10)

	require.NoError(t, s.Close(ctx))

	s2, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s2.Close(ctx) })

	after, err := s2.Query(ctx, query, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	stats, err := s2.Stats()
	require.NoError(t, err)
	assert.Equal(t, 300, stats.Records)
	assert.Equal(t, 300, stats.Index.NodeCount)
}

func TestReopenConflictingDimension(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	s, err := OpenFile(ctx, path, WithDimension(3), WithRandomSeed(7))
	require.NoError(t, err)

	_, err = s.UpsertVector(ctx, "doc-a", []float32{1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	_, err = OpenFile(ctx, path, WithDimension(5), WithRandomSeed(7))

	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 5, dm.Actual)

	// The persisted dimension still opens.
	s2, err := OpenFile(ctx, path, WithDimension(3), WithRandomSeed(7))
	require.NoError(t, err)
	require.NoError(t, s2.Close(ctx))
}

func TestReopenSelfMatchAtScale(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	opts := []Option{WithDimension(16), WithRandomSeed(7)}

	s, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(21))
	known := make(map[uint64][]float32, 1000)
	for i := 0; i < 1000; i++ {
		v := randomUnitVector(rng, 16)
		id, err := s.UpsertVector(ctx, "doc", v)
		require.NoError(t, err)
		known[id] = v
	}

	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Close(ctx))

	s2, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s2.Close(ctx) })

	// Every inserted vector must come back as its own top-1 neighbor.
	for _, id := range []uint64{1, 250, 500, 750, 1000} {
		results, err := s2.Query(ctx, known[id], 1, 0)
		require.NoError(t, err)
		require.Len(t, results, 1)

		assert.Equal(t, id, results[0].ID)
		assert.InDelta(t, 0.0, results[0].Distance, 1e-5)
	}
}

func TestReopenWithoutSnapshotRebuilds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	opts := []Option{WithDimension(4), WithRandomSeed(7), WithAutoSaveOnClose(false)}

	s, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	idA, err := s.UpsertVector(ctx, "doc-a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = s.UpsertVector(ctx, "doc-b", []float32{0, 1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))

	s2, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s2.Close(ctx) })

	results, err := s2.Query(ctx, []float32{1, 0, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, idA, results[0].ID)
	assert.Equal(t, "doc-a", results[0].DocumentID)
}

func TestCorruptedSnapshotFallsBackToRebuild(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	opts := []Option{WithDimension(4), WithRandomSeed(7)}

	s, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	idA, err := s.UpsertVector(ctx, "doc-a", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	// Overwrite the persisted snapshot with garbage before closing without
	// a fresh save.
	require.NoError(t, s.storage.PutSnapshot(ctx, []byte("garbage")))
	s.opts.autoSaveOnClose = false
	require.NoError(t, s.Close(ctx))

	s2, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s2.Close(ctx) })

	results, err := s2.Query(ctx, []float32{1, 0, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, idA, results[0].ID)
}

func TestExclusiveOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	s, err := OpenFile(ctx, path, WithDimension(4))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close(ctx) })

	_, err = s.UpsertVector(ctx, "doc-a", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	_, err = OpenFile(ctx, path, WithDimension(4))
	assert.ErrorIs(t, err, ErrStorageAlreadyOpen)
}

func TestIDsContinueAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	opts := []Option{WithDimension(4), WithRandomSeed(7)}

	s, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	id1, err := s.UpsertVector(ctx, "doc-a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s2, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s2.Close(ctx) })

	id2, err := s2.UpsertVector(ctx, "doc-b", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestDeleteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	opts := []Option{WithDimension(4), WithRandomSeed(7)}

	s, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	idA, err := s.UpsertVector(ctx, "doc-a", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = s.UpsertVector(ctx, "doc-b", []float32{0, 1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, s.DeleteVector(ctx, idA))
	require.NoError(t, s.Close(ctx))

	s2, err := OpenFile(ctx, path, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s2.Close(ctx) })

	results, err := s2.Query(ctx, []float32{1, 0, 0, 0}, 5, 0)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, idA, r.ID)
	}

	orphans, err := s2.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans)
}

func TestBackgroundReconcileLoop(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, storage.NewMemory(),
		WithDimension(3),
		WithRandomSeed(7),
		WithReconcileInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	_, err = s.UpsertVector(ctx, "doc-a", []float32{1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, s.storage.PutRecord(ctx, storage.Record{
		ID:         99,
		DocumentID: "doc-orphan",
		Vector:     []float32{0, 0, 1},
	}))

	assert.Eventually(t, func() bool {
		records, err := s.storage.Records(ctx)
		if err != nil {
			return false
		}
		return len(records) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close(ctx))
}
