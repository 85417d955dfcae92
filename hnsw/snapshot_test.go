package hnsw

import (
	"encoding/binary"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSnapshotIndex(t *testing.T, n int) (*Index, map[uint64][]float32) {
	t.Helper()

	seed := int64(11)
	h, err := New(func(o *Options) {
		o.Dimension = 8
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	vectors := make(map[uint64][]float32, n)
	for i := 0; i < n; i++ {
		id := uint64(i + 1)
		v := randomUnitVector(rng, 8)
		vectors[id] = v
		require.NoError(t, h.Insert(id, v))
	}
	return h, vectors
}

func lookupFrom(vectors map[uint64][]float32) VectorLookup {
	return func(id uint64) ([]float32, bool) {
		v, ok := vectors[id]
		return v, ok
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	h, vectors := buildSnapshotIndex(t, 100)

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)

	restored, err := DecodeSnapshot(data, lookupFrom(vectors))
	require.NoError(t, err)

	assert.Equal(t, h.Len(), restored.Len())
	assert.Equal(t, h.maxLevel, restored.maxLevel)
	assert.Equal(t, h.entryPoint, restored.entryPoint)
	assert.Equal(t, h.opts.M, restored.opts.M)
	assert.Equal(t, h.opts.EFConstruction, restored.opts.EFConstruction)
	assert.Equal(t, h.opts.EFSearch, restored.opts.EFSearch)
	assert.Equal(t, h.opts.Metric, restored.opts.Metric)

	// Re-encoding the restored state must be byte-identical.
	data2, err := restored.EncodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestSnapshotQueriesReproducible(t *testing.T) {
	h, vectors := buildSnapshotIndex(t, 200)

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)
	restored, err := DecodeSnapshot(data, lookupFrom(vectors))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(77))
	for i := 0; i < 10; i++ {
		query := randomUnitVector(rng, 8)

		want, err := h.KNNSearch(query, 10, 0)
		require.NoError(t, err)
		got, err := restored.KNNSearch(query, 10, 0)
		require.NoError(t, err)

		assert.Equal(t, want, got)
	}
}

func TestSnapshotEmptyIndex(t *testing.T) {
	h := newTestIndex(t)

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)

	restored, err := DecodeSnapshot(data, lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Len())

	_, ok := restored.EntryPoint()
	assert.False(t, ok)
}

func TestSnapshotDeterministicEncode(t *testing.T) {
	h, _ := buildSnapshotIndex(t, 50)

	a, err := h.EncodeSnapshot()
	require.NoError(t, err)
	b, err := h.EncodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSnapshotUnsupportedVersion(t *testing.T) {
	h, _ := buildSnapshotIndex(t, 5)

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)

	// Bump the version field and fix up the checksum.
	binary.LittleEndian.PutUint16(data[4:6], SnapshotFormatVersion+1)
	body := data[:len(data)-4]
	binary.LittleEndian.PutUint32(data[len(data)-4:], crc32.ChecksumIEEE(body))

	_, err = DecodeSnapshot(data, lookupFrom(nil))
	assert.ErrorIs(t, err, ErrUnsupportedSnapshotVersion)
}

func TestSnapshotOversizedNeighborCount(t *testing.T) {
	seed := int64(11)
	h, err := New(func(o *Options) {
		o.Dimension = 8
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	vectors := map[uint64][]float32{1: {1, 0, 0, 0, 0, 0, 0, 0}}
	require.NoError(t, h.InsertWithLayer(1, vectors[1], 0))

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)

	// The single layer-0 node ends with its neighbor count just before the
	// checksum. Claim billions of neighbors and fix up the checksum so only
	// the body-length validation can reject it.
	binary.LittleEndian.PutUint32(data[len(data)-8:len(data)-4], ^uint32(0))
	body := data[:len(data)-4]
	binary.LittleEndian.PutUint32(data[len(data)-4:], crc32.ChecksumIEEE(body))

	_, err = DecodeSnapshot(data, lookupFrom(vectors))
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestSnapshotCorruption(t *testing.T) {
	h, vectors := buildSnapshotIndex(t, 10)

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"Truncated", func(d []byte) []byte { return d[:8] }},
		{"BadMagic", func(d []byte) []byte { d[0] = 'X'; return d }},
		{"FlippedByte", func(d []byte) []byte { d[len(d)/2] ^= 0xFF; return d }},
		{"Empty", func(d []byte) []byte { return nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), data...))
			_, err := DecodeSnapshot(mutated, lookupFrom(vectors))
			assert.ErrorIs(t, err, ErrSnapshotCorrupted)
		})
	}
}

func TestSnapshotMissingVectorRecord(t *testing.T) {
	h, vectors := buildSnapshotIndex(t, 10)

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)

	delete(vectors, 3)

	_, err = DecodeSnapshot(data, lookupFrom(vectors))
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestSnapshotWrongVectorDimension(t *testing.T) {
	h, vectors := buildSnapshotIndex(t, 5)

	data, err := h.EncodeSnapshot()
	require.NoError(t, err)

	vectors[2] = []float32{1, 2}

	_, err = DecodeSnapshot(data, lookupFrom(vectors))
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)
}
