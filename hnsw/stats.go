package hnsw

// Stats describes the current shape of the graph.
type Stats struct {
	// Dimension is the configured vector dimensionality.
	Dimension int

	// Metric is the configured distance metric.
	Metric string

	// M is the configured maximum connections per layer.
	M int

	// EFConstruction is the configured insertion beam width.
	EFConstruction int

	// EFSearch is the configured default search beam width.
	EFSearch int

	// NodeCount is the number of nodes in the graph.
	NodeCount int

	// MaxLayer is the topmost populated layer (0 for an empty graph).
	MaxLayer int

	// LayerCounts holds the number of nodes whose top layer is the slice index.
	LayerCounts []int

	// AvgConnections is the mean layer-0 degree across all nodes.
	AvgConnections float64
}

// Stats returns statistics about the graph.
func (h *Index) Stats() Stats {
	s := Stats{
		Dimension:      h.opts.Dimension,
		Metric:         h.opts.Metric.String(),
		M:              h.opts.M,
		EFConstruction: h.opts.EFConstruction,
		EFSearch:       h.opts.EFSearch,
		NodeCount:      len(h.nodes),
		MaxLayer:       h.maxLevel,
	}

	if len(h.nodes) == 0 {
		return s
	}

	s.LayerCounts = make([]int, h.maxLevel+1)

	var totalConns int
	for _, node := range h.nodes {
		if node.Layer < len(s.LayerCounts) {
			s.LayerCounts[node.Layer]++
		}
		totalConns += len(node.Connections[0])
	}
	s.AvgConnections = float64(totalConns) / float64(len(h.nodes))

	return s
}
