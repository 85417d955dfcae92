package hnswstore

import (
	"log/slog"
	"time"

	"github.com/hupe1980/hnswstore/distance"
	"github.com/hupe1980/hnswstore/hnsw"
)

type options struct {
	dimension         int
	metric            distance.Metric
	m                 int
	efConstruction    int
	efSearch          int
	heuristic         bool
	randomSeed        *int64
	autoSaveOnClose   bool
	reconcileInterval time.Duration
	reconcileRate     float64
	metricsCollector  MetricsCollector
	logger            *Logger
}

// Option configures store behavior at Open time.
type Option func(*options)

// WithDimension sets the vector dimensionality. Required unless the store is
// opened against storage that already holds a graph snapshot, in which case
// the persisted dimension is authoritative and a conflicting configured
// value fails Open with ErrDimensionMismatch.
func WithDimension(dimension int) Option {
	return func(o *options) {
		o.dimension = dimension
	}
}

// WithMetric sets the distance metric used for neighbor ranking.
// Defaults to cosine distance.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithM sets the maximum number of graph connections per node per layer.
// Layer 0 allows twice this many. Defaults to 16.
func WithM(m int) Option {
	return func(o *options) {
		o.m = m
	}
}

// WithEFConstruction sets the candidate beam width used during insertion.
// Larger values build a higher quality graph at higher insert cost.
// Defaults to 200.
func WithEFConstruction(ef int) Option {
	return func(o *options) {
		o.efConstruction = ef
	}
}

// WithEFSearch sets the default candidate beam width used during queries.
// Defaults to 50.
func WithEFSearch(ef int) Option {
	return func(o *options) {
		o.efSearch = ef
	}
}

// WithHeuristic toggles diversity-aware neighbor selection. Enabled by
// default; disable only to reproduce plain nearest-first selection.
func WithHeuristic(enabled bool) Option {
	return func(o *options) {
		o.heuristic = enabled
	}
}

// WithRandomSeed fixes the layer draw RNG seed, making graph construction
// deterministic for a given insertion sequence.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.randomSeed = &seed
	}
}

// WithAutoSaveOnClose controls whether Close persists a graph snapshot
// before releasing the storage. Enabled by default.
func WithAutoSaveOnClose(enabled bool) Option {
	return func(o *options) {
		o.autoSaveOnClose = enabled
	}
}

// WithReconcileInterval enables a background loop that periodically removes
// vector records with no corresponding graph node. Zero (the default)
// disables the loop; Reconcile can still be called manually.
func WithReconcileInterval(interval time.Duration) Option {
	return func(o *options) {
		o.reconcileInterval = interval
	}
}

// WithReconcileRate limits how many records per second a reconcile pass
// examines, bounding its impact on foreground traffic. Zero (the default)
// means unthrottled.
func WithReconcileRate(nodesPerSecond float64) Option {
	return func(o *options) {
		o.reconcileRate = nodesPerSecond
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &hnswstore.BasicMetricsCollector{}
//	store, _ := hnswstore.OpenFile(ctx, "vectors.db", hnswstore.WithDimension(128), hnswstore.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
//	fmt.Printf("Upserts: %d, Avg latency: %dns\n", stats.UpsertCount, stats.UpsertAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := hnswstore.NewJSONLogger(slog.LevelInfo)
//	store, _ := hnswstore.OpenFile(ctx, "vectors.db", hnswstore.WithDimension(128), hnswstore.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metric:           distance.MetricCosine,
		m:                hnsw.DefaultM,
		efConstruction:   hnsw.DefaultEFConstruction,
		efSearch:         hnsw.DefaultEFSearch,
		heuristic:        true,
		autoSaveOnClose:  true,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
