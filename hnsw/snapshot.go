package hnsw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/hupe1980/hnswstore/distance"
)

// Snapshot format (little endian):
//
//	magic (4) | version (2) | metric (1) | heuristic (1)
//	dimension (4) | m (4) | efConstruction (4) | efSearch (4)
//	entryPresent (1) | entryPoint (8) | maxLevel (4) | nodeCount (8)
//	nodes in ascending id order:
//	    id (8) | layer (4)
//	    per layer 0..layer: neighborCount (4) | neighbor ids (8 each)
//	crc32 IEEE of all preceding bytes (4)
//
// Nodes are written in ascending id order and neighbor lists verbatim, so
// repeated encodes of an unchanged index are byte-identical. Layer
// assignments are stored explicitly rather than re-derived on load, keeping
// reloaded indexes reproducible.

var snapshotMagic = [4]byte{'H', 'N', 'S', '1'}

// SnapshotFormatVersion is the current snapshot format version.
const SnapshotFormatVersion = uint16(1)

// EncodeSnapshot encodes the graph topology and parameters into a versioned,
// deterministic byte form. Vectors are not included; they live in the vector
// record store and are re-attached on decode.
func (h *Index) EncodeSnapshot() ([]byte, error) {
	var buf bytes.Buffer

	buf.Write(snapshotMagic[:])
	putUint16(&buf, SnapshotFormatVersion)
	buf.WriteByte(byte(h.opts.Metric))
	if h.opts.Heuristic {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putUint32(&buf, uint32(h.opts.Dimension))
	putUint32(&buf, uint32(h.opts.M))
	putUint32(&buf, uint32(h.opts.EFConstruction))
	putUint32(&buf, uint32(h.opts.EFSearch))

	if h.hasEntry {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putUint64(&buf, h.entryPoint)
	putUint32(&buf, uint32(h.maxLevel))
	putUint64(&buf, uint64(len(h.nodes)))

	for _, id := range h.IDs() {
		node := h.nodes[id]
		putUint64(&buf, node.ID)
		putUint32(&buf, uint32(node.Layer))
		for level := 0; level <= node.Layer; level++ {
			conns := node.Connections[level]
			if len(conns) > math.MaxUint32 {
				return nil, fmt.Errorf("hnsw: neighbor list too large: %d", len(conns))
			}
			putUint32(&buf, uint32(len(conns)))
			for _, c := range conns {
				putUint64(&buf, c)
			}
		}
	}

	putUint32(&buf, crc32.ChecksumIEEE(buf.Bytes()))

	return buf.Bytes(), nil
}

// VectorLookup resolves the raw vector for a node id during snapshot decode.
// It reports false when no record exists for the id.
type VectorLookup func(id uint64) ([]float32, bool)

// DecodeSnapshot reconstructs an index from an encoded snapshot, re-attaching
// each node's vector via the lookup. Option functions may supply runtime-only
// settings such as RandomSeed; parameters stored in the snapshot are
// authoritative and overwrite any configured values.
func DecodeSnapshot(data []byte, vectors VectorLookup, optFns ...func(o *Options)) (*Index, error) {
	if len(data) < 4+2 {
		return nil, fmt.Errorf("%w: truncated header", ErrSnapshotCorrupted)
	}
	if !bytes.Equal(data[:4], snapshotMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrSnapshotCorrupted)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version > SnapshotFormatVersion {
		return nil, fmt.Errorf("%w: got %d, supported up to %d", ErrUnsupportedSnapshotVersion, version, SnapshotFormatVersion)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("%w: missing checksum", ErrSnapshotCorrupted)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupted)
	}

	r := &snapshotReader{data: body, off: 6}

	metric := distance.Metric(r.byte())
	heuristic := r.byte() == 1
	dimension := int(r.uint32())
	m := int(r.uint32())
	efConstruction := int(r.uint32())
	efSearch := int(r.uint32())

	entryPresent := r.byte() == 1
	entryPoint := r.uint64()
	maxLevel := int(r.uint32())
	nodeCount := r.uint64()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, r.err)
	}

	h, err := New(append(optFns, func(o *Options) {
		o.Dimension = dimension
		o.M = m
		o.EFConstruction = efConstruction
		o.EFSearch = efSearch
		o.Metric = metric
		o.Heuristic = heuristic
	})...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}

	for i := uint64(0); i < nodeCount; i++ {
		id := r.uint64()
		layer := int(r.uint32())
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, r.err)
		}
		if layer < 0 {
			return nil, fmt.Errorf("%w: node %d has negative layer", ErrSnapshotCorrupted, id)
		}

		node := &Node{
			ID:          id,
			Layer:       layer,
			Connections: make([][]uint64, layer+1),
		}
		for level := 0; level <= layer; level++ {
			count := r.uint32()
			// The count is untrusted; cap the preallocation at what the
			// remaining body could actually hold and let the reader's
			// sticky error report the truncation.
			hint := int(count)
			if avail := (len(body) - r.off) / 8; hint > avail {
				hint = avail
			}
			if hint < 0 {
				hint = 0
			}
			conns := make([]uint64, 0, hint)
			for j := uint32(0); j < count && r.err == nil; j++ {
				conns = append(conns, r.uint64())
			}
			node.Connections[level] = conns
		}
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, r.err)
		}

		vec, ok := vectors(id)
		if !ok {
			return nil, fmt.Errorf("%w: no vector record for node %d", ErrSnapshotCorrupted, id)
		}
		if len(vec) != dimension {
			return nil, fmt.Errorf("%w: vector record for node %d has dimension %d, want %d", ErrSnapshotCorrupted, id, len(vec), dimension)
		}
		node.Vector = vec

		if _, dup := h.nodes[id]; dup {
			return nil, fmt.Errorf("%w: duplicate node %d", ErrSnapshotCorrupted, id)
		}
		h.nodes[id] = node
	}

	if r.off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSnapshotCorrupted, len(body)-r.off)
	}

	// Consistency checks: every edge must point at a known node, and the
	// entry point must sit at the top layer of a non-empty graph.
	for _, node := range h.nodes {
		if node.Layer > maxLevel {
			return nil, fmt.Errorf("%w: node %d at layer %d exceeds top layer %d", ErrSnapshotCorrupted, node.ID, node.Layer, maxLevel)
		}
		for level, conns := range node.Connections {
			for _, c := range conns {
				if _, ok := h.nodes[c]; !ok {
					return nil, fmt.Errorf("%w: node %d references missing neighbor %d at layer %d", ErrSnapshotCorrupted, node.ID, c, level)
				}
			}
		}
	}

	if entryPresent {
		ep, ok := h.nodes[entryPoint]
		if !ok {
			return nil, fmt.Errorf("%w: entry point %d not in node set", ErrSnapshotCorrupted, entryPoint)
		}
		if ep.Layer != maxLevel {
			return nil, fmt.Errorf("%w: entry point %d at layer %d, want top layer %d", ErrSnapshotCorrupted, entryPoint, ep.Layer, maxLevel)
		}
		h.entryPoint = entryPoint
		h.hasEntry = true
		h.maxLevel = maxLevel
	} else if len(h.nodes) > 0 {
		return nil, fmt.Errorf("%w: %d nodes but no entry point", ErrSnapshotCorrupted, len(h.nodes))
	}

	return h, nil
}

func putUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// snapshotReader is a cursor over the snapshot body. The first decode error
// sticks; callers check err after a batch of reads.
type snapshotReader struct {
	data []byte
	off  int
	err  error
}

func (r *snapshotReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("unexpected end of snapshot at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *snapshotReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *snapshotReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *snapshotReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
