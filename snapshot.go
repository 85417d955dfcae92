package hnswstore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Persisted snapshots are wrapped in a small lz4 container: a 4-byte magic
// followed by an lz4 frame holding the graph snapshot bytes. Graph topology
// compresses well and the container keeps large indexes cheap to store.
var snapshotContainerMagic = [4]byte{'H', 'S', 'C', '1'}

func compressSnapshot(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(snapshotContainerMagic[:])

	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}

	return buf.Bytes(), nil
}

func decompressSnapshot(container []byte) ([]byte, error) {
	if len(container) < len(snapshotContainerMagic) || !bytes.Equal(container[:4], snapshotContainerMagic[:]) {
		return nil, fmt.Errorf("%w: bad container magic", ErrSnapshotCorrupted)
	}

	zr := lz4.NewReader(bytes.NewReader(container[4:]))
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotCorrupted, err)
	}
	return data, nil
}
