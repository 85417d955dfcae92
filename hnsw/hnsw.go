// Package hnsw implements the Hierarchical Navigable Small World (HNSW) graph
// for approximate nearest neighbor search.
//
// Nodes are kept in an arena keyed by id; edges are id lists, so the
// bidirectional graph carries no object cycles. The index is not safe for
// concurrent use; callers serialize access (see the root package facade).
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/hnswstore/distance"
	"github.com/hupe1980/hnswstore/queue"
)

const (
	// mmax0Multiplier is the multiplier for calculating maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per layer.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size during insertion.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size during search.
	DefaultEFSearch = 50
)

// Node represents one vector's placement in the multi-layer graph.
type Node struct {
	ID          uint64
	Vector      []float32
	Layer       int
	Connections [][]uint64 // Per-layer neighbor id lists, index 0 is the bottom layer.
}

// Options represents the options for configuring the index.
type Options struct {
	// Dimension is the dimensionality of all vectors in the index.
	Dimension int

	// M specifies the number of established connections for every new element
	// during construction. Layer 0 allows 2*M connections.
	M int

	// EFConstruction specifies the size of the dynamic candidate list during
	// insertion. Higher values improve graph quality at the cost of slower builds.
	EFConstruction int

	// EFSearch specifies the default candidate list size during search.
	// Can be overridden per query.
	EFSearch int

	// Metric selects the distance metric, fixed at index creation time.
	Metric distance.Metric

	// Heuristic enables diversity-aware neighbor selection instead of
	// pure nearest-M pruning. Preserves navigability on clustered data.
	Heuristic bool

	// RandomSeed seeds the layer assignment source. If nil, a time-based
	// seed is used. Set for reproducible builds in tests.
	RandomSeed *int64
}

// DefaultOptions holds the default index configuration.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Metric:         distance.MetricCosine,
	Heuristic:      true,
}

// SearchResult represents a single k-NN search result.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// Index represents the Hierarchical Navigable Small World graph.
type Index struct {
	nodes      map[uint64]*Node
	entryPoint uint64
	hasEntry   bool
	maxLevel   int

	mmax  int     // Max number of connections per element per layer
	mmax0 int     // Max for layer 0
	ml    float64 // Normalization factor for level generation

	distanceFunc distance.Func
	rng          *rand.Rand

	opts Options
}

// New creates a new empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension: %d", opts.Dimension)
	}
	if opts.M < minimumM {
		// M == 1 would make the layer multiplier 1/log(1) blow up.
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	distanceFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, fmt.Errorf("hnsw: %w", err)
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Index{
		nodes:        make(map[uint64]*Node),
		mmax:         opts.M,
		mmax0:        mmax0Multiplier * opts.M,
		ml:           1 / math.Log(float64(opts.M)),
		distanceFunc: distanceFunc,
		rng:          rng,
		opts:         opts,
	}, nil
}

// Len returns the number of nodes in the graph.
func (h *Index) Len() int { return len(h.nodes) }

// Dimension returns the dimensionality of the vectors in the index.
func (h *Index) Dimension() int { return h.opts.Dimension }

// Contains reports whether the given id is present in the graph.
func (h *Index) Contains(id uint64) bool {
	_, ok := h.nodes[id]
	return ok
}

// EntryPoint returns the current entry point id and whether one exists.
// The entry point is absent iff the graph is empty.
func (h *Index) EntryPoint() (uint64, bool) {
	return h.entryPoint, h.hasEntry
}

// IDs returns all node ids in ascending order.
func (h *Index) IDs() []uint64 {
	ids := make([]uint64, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// drawLayer draws a node's top layer from an exponential distribution with
// decay 1/ln(M).
func (h *Index) drawLayer() int {
	r := h.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * h.ml))
}

// maxConnections returns the connection cap for the given layer.
func (h *Index) maxConnections(level int) int {
	if level == 0 {
		return h.mmax0
	}
	return h.mmax
}

// Insert adds a vector to the graph under the given id. Inserting an id that
// is already present replaces it (delete-then-insert).
func (h *Index) Insert(id uint64, v []float32) error {
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}
	return h.insert(id, v, h.drawLayer())
}

// InsertWithLayer is Insert with an explicitly assigned top layer, bypassing
// the random draw. Used for reproducible graph construction in tests and for
// snapshot restore.
func (h *Index) InsertWithLayer(id uint64, v []float32, layer int) error {
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}
	if layer < 0 {
		return fmt.Errorf("hnsw: invalid layer: %d", layer)
	}
	return h.insert(id, v, layer)
}

func (h *Index) insert(id uint64, v []float32, layer int) error {
	if _, ok := h.nodes[id]; ok {
		if err := h.Delete(id); err != nil {
			return err
		}
	}

	// Copy so changes to the caller's slice don't affect the node.
	vec := make([]float32, len(v))
	copy(vec, v)

	node := &Node{
		ID:          id,
		Vector:      vec,
		Layer:       layer,
		Connections: make([][]uint64, layer+1),
	}

	if !h.hasEntry {
		h.nodes[id] = node
		h.entryPoint = id
		h.hasEntry = true
		h.maxLevel = layer
		return nil
	}

	currID := h.entryPoint
	currDist, err := h.dist(vec, currID)
	if err != nil {
		return err
	}

	// Greedy single-best descent from the top layer down to layer+1.
	for level := h.maxLevel; level > layer; level-- {
		currID, currDist, err = h.greedyStep(vec, currID, currDist, level)
		if err != nil {
			return err
		}
	}

	// Beam search and neighbor selection from min(layer, maxLevel) down to 0.
	for level := min(layer, h.maxLevel); level >= 0; level-- {
		results, err := h.searchLayer(vec, currID, currDist, level, h.opts.EFConstruction)
		if err != nil {
			return err
		}

		neighbors := h.selectNeighbors(vec, results, h.mmax)
		node.Connections[level] = neighbors

		// Continue the descent from the closest candidate found.
		if len(neighbors) > 0 {
			currID = neighbors[0]
			currDist, err = h.dist(vec, currID)
			if err != nil {
				return err
			}
		}
	}

	h.nodes[id] = node

	// Link the neighbor nodes back to the new node, making it reachable.
	for level := min(layer, h.maxLevel); level >= 0; level-- {
		for _, neighborID := range node.Connections[level] {
			if err := h.link(neighborID, id, level); err != nil {
				return err
			}
		}
	}

	if layer > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = layer
	}

	return nil
}

// greedyStep walks from curr towards the query at the given level until no
// neighbor is closer (beam width 1).
func (h *Index) greedyStep(q []float32, currID uint64, currDist float32, level int) (uint64, float32, error) {
	changed := true
	for changed {
		changed = false

		curr, ok := h.nodes[currID]
		if !ok {
			return 0, 0, fmt.Errorf("%w: node %d referenced but not present", ErrIndexCorrupted, currID)
		}
		if level > curr.Layer {
			break
		}

		for _, nextID := range curr.Connections[level] {
			nextDist, err := h.dist(q, nextID)
			if err != nil {
				return 0, 0, err
			}
			if nextDist < currDist {
				currID = nextID
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist, nil
}

// searchLayer performs a beam search within one layer, returning up to ef
// candidates as a max-heap (farthest on top).
func (h *Index) searchLayer(q []float32, epID uint64, epDist float32, level int, ef int) (*queue.PriorityQueue, error) {
	var visited bitset.BitSet
	visited.Set(uint(epID))

	candidates := queue.NewMin(ef)
	candidates.PushItem(queue.PriorityQueueItem{Node: epID, Distance: epDist})

	results := queue.NewMax(ef)
	results.PushItem(queue.PriorityQueueItem{Node: epID, Distance: epDist})

	for candidates.Len() > 0 {
		curr, _ := candidates.PopItem()

		if worst := results.Top(); worst != nil && curr.Distance > worst.Distance && results.Len() >= ef {
			break
		}

		node, ok := h.nodes[curr.Node]
		if !ok {
			return nil, fmt.Errorf("%w: node %d referenced but not present", ErrIndexCorrupted, curr.Node)
		}
		if level > node.Layer {
			continue
		}

		for _, nextID := range node.Connections[level] {
			if visited.Test(uint(nextID)) {
				continue
			}
			visited.Set(uint(nextID))

			nextDist, err := h.dist(q, nextID)
			if err != nil {
				return nil, err
			}

			if results.Len() < ef {
				candidates.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
				results.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
			} else if worst := results.Top(); worst != nil && nextDist < worst.Distance {
				candidates.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
				results.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
				_, _ = results.PopItem()
			}
		}
	}

	return results, nil
}

// selectNeighbors drains candidates and returns up to m neighbor ids ordered
// nearest-first.
func (h *Index) selectNeighbors(base []float32, candidates *queue.PriorityQueue, m int) []uint64 {
	if h.opts.Heuristic {
		return h.selectNeighborsHeuristic(base, candidates, m)
	}
	return h.selectNeighborsSimple(candidates, m)
}

// selectNeighborsSimple keeps the m closest candidates.
func (h *Index) selectNeighborsSimple(candidates *queue.PriorityQueue, m int) []uint64 {
	for candidates.Len() > m {
		_, _ = candidates.PopItem()
	}

	res := make([]uint64, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		item, _ := candidates.PopItem()
		res[i] = item.Node
	}
	return res
}

// selectNeighborsHeuristic prefers candidates that are not already
// well-connected to each other (relative neighborhood graph property),
// trading pure proximity for navigability.
func (h *Index) selectNeighborsHeuristic(base []float32, candidates *queue.PriorityQueue, m int) []uint64 {
	if candidates.Len() <= m {
		return h.selectNeighborsSimple(candidates, m)
	}

	// Drain the max-heap into nearest-first order.
	sorted := make([]queue.PriorityQueueItem, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.PopItem()
	}

	result := make([]uint64, 0, m)
	resultVecs := make([][]float32, 0, m)
	skipped := make([]uint64, 0, len(sorted))

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}

		node, ok := h.nodes[cand.Node]
		if !ok {
			continue
		}

		// A candidate closer to an already-selected neighbor than to the
		// base vector adds little navigability.
		good := true
		for _, selected := range resultVecs {
			if h.distanceFunc(node.Vector, selected) < cand.Distance {
				good = false
				break
			}
		}

		if good {
			result = append(result, cand.Node)
			resultVecs = append(resultVecs, node.Vector)
		} else {
			skipped = append(skipped, cand.Node)
		}
	}

	// Fill up with the nearest skipped candidates.
	for _, id := range skipped {
		if len(result) >= m {
			break
		}
		result = append(result, id)
	}

	return result
}

// link adds an edge from first to second at the given level, pruning first's
// neighbor list if it exceeds the layer cap.
func (h *Index) link(first, second uint64, level int) error {
	node, ok := h.nodes[first]
	if !ok {
		return fmt.Errorf("%w: node %d referenced but not present", ErrIndexCorrupted, first)
	}
	if level > node.Layer {
		return fmt.Errorf("%w: link at layer %d exceeds node %d top layer %d", ErrIndexCorrupted, level, first, node.Layer)
	}

	for _, c := range node.Connections[level] {
		if c == second {
			return nil
		}
	}

	node.Connections[level] = append(node.Connections[level], second)

	maxConns := h.maxConnections(level)
	if len(node.Connections[level]) <= maxConns {
		return nil
	}

	// Over cap: reselect the best neighbors among the current set.
	candidates := queue.NewMax(len(node.Connections[level]))
	for _, c := range node.Connections[level] {
		d, err := h.dist(node.Vector, c)
		if err != nil {
			return err
		}
		candidates.PushItem(queue.PriorityQueueItem{Node: c, Distance: d})
	}

	node.Connections[level] = h.selectNeighbors(node.Vector, candidates, maxConns)
	return nil
}

// Delete removes the node and all edges referencing it. Former neighbors left
// with fewer than half their layer cap get one re-linking pass to avoid graph
// fragmentation. Deleting an absent id is a no-op.
func (h *Index) Delete(id uint64) error {
	if _, ok := h.nodes[id]; !ok {
		return nil
	}

	delete(h.nodes, id)

	// Pruning during inserts can leave edges asymmetric, so inbound
	// references are swept from every node, not just the deleted node's own
	// neighbor lists.
	type relinkTarget struct {
		node  *Node
		level int
	}
	var toRelink []relinkTarget

	for _, other := range h.nodes {
		for level, conns := range other.Connections {
			for i, c := range conns {
				if c != id {
					continue
				}
				other.Connections[level] = append(conns[:i], conns[i+1:]...)
				if len(other.Connections[level]) < h.maxConnections(level)/2 {
					toRelink = append(toRelink, relinkTarget{node: other, level: level})
				}
				break
			}
		}
	}

	if len(h.nodes) == 0 {
		h.hasEntry = false
		h.entryPoint = 0
		h.maxLevel = 0
		return nil
	}

	if id == h.entryPoint {
		h.promoteEntryPoint()
	}

	// Deterministic re-link order keeps rebuilt graphs reproducible.
	sort.Slice(toRelink, func(i, j int) bool {
		if toRelink[i].node.ID == toRelink[j].node.ID {
			return toRelink[i].level < toRelink[j].level
		}
		return toRelink[i].node.ID < toRelink[j].node.ID
	})

	for _, t := range toRelink {
		if err := h.relink(t.node, t.level); err != nil {
			return err
		}
	}

	return nil
}

// promoteEntryPoint picks the node at the highest layer (lowest id on ties)
// as the new entry point.
func (h *Index) promoteEntryPoint() {
	var (
		bestID    uint64
		bestLayer = -1
	)
	for nodeID, node := range h.nodes {
		if node.Layer > bestLayer || (node.Layer == bestLayer && nodeID < bestID) {
			bestID = nodeID
			bestLayer = node.Layer
		}
	}
	h.entryPoint = bestID
	h.maxLevel = bestLayer
}

// relink searches for replacement neighbors for a node whose degree dropped
// after a deletion.
func (h *Index) relink(node *Node, level int) error {
	currID := h.entryPoint
	currDist, err := h.dist(node.Vector, currID)
	if err != nil {
		return err
	}

	for l := h.maxLevel; l > level; l-- {
		currID, currDist, err = h.greedyStep(node.Vector, currID, currDist, l)
		if err != nil {
			return err
		}
	}

	results, err := h.searchLayer(node.Vector, currID, currDist, level, h.opts.EFConstruction)
	if err != nil {
		return err
	}

	// Merge existing links with found candidates, excluding the node itself.
	candidates := queue.NewMax(results.Len() + len(node.Connections[level]))
	seen := map[uint64]bool{node.ID: true}

	for _, c := range node.Connections[level] {
		if seen[c] {
			continue
		}
		seen[c] = true
		d, err := h.dist(node.Vector, c)
		if err != nil {
			return err
		}
		candidates.PushItem(queue.PriorityQueueItem{Node: c, Distance: d})
	}
	for results.Len() > 0 {
		item, _ := results.PopItem()
		if seen[item.Node] {
			continue
		}
		seen[item.Node] = true
		candidates.PushItem(item)
	}

	prev := node.Connections[level]
	node.Connections[level] = h.selectNeighbors(node.Vector, candidates, h.maxConnections(level))

	// New edges must be bidirectional.
	for _, c := range node.Connections[level] {
		existing := false
		for _, p := range prev {
			if p == c {
				existing = true
				break
			}
		}
		if !existing {
			if err := h.link(c, node.ID, level); err != nil {
				return err
			}
		}
	}

	return nil
}

// KNNSearch performs a k-nearest neighbor search. Results are ordered by
// ascending distance, ties broken by lower id. An empty index yields an empty
// result, not an error. ef overrides the configured EFSearch when positive;
// the effective beam width is never below k.
func (h *Index) KNNSearch(q []float32, k int, ef int) ([]SearchResult, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if len(q) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}

	if !h.hasEntry {
		return []SearchResult{}, nil
	}

	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	currID := h.entryPoint
	currDist, err := h.dist(q, currID)
	if err != nil {
		return nil, err
	}

	for level := h.maxLevel; level > 0; level-- {
		currID, currDist, err = h.greedyStep(q, currID, currDist, level)
		if err != nil {
			return nil, err
		}
	}

	results, err := h.searchLayer(q, currID, currDist, 0, ef)
	if err != nil {
		return nil, err
	}

	for results.Len() > k {
		_, _ = results.PopItem()
	}

	res := make([]SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.PopItem()
		res[i] = SearchResult{ID: item.Node, Distance: item.Distance}
	}

	// Deterministic ordering: ascending distance, then insertion order
	// (ids are allocated monotonically).
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Distance == res[j].Distance {
			return res[i].ID < res[j].ID
		}
		return res[i].Distance < res[j].Distance
	})

	return res, nil
}

// dist computes the distance between a vector and the node with the given id.
func (h *Index) dist(v []float32, id uint64) (float32, error) {
	node, ok := h.nodes[id]
	if !ok {
		return 0, fmt.Errorf("%w: node %d referenced but not present", ErrIndexCorrupted, id)
	}
	return h.distanceFunc(v, node.Vector), nil
}
