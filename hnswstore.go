package hnswstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/hnswstore/hnsw"
	"github.com/hupe1980/hnswstore/storage"
	"golang.org/x/sync/errgroup"
)

// SearchResult represents a single query result with the document id resolved
// from the record store.
type SearchResult struct {
	ID         uint64
	DocumentID string
	Distance   float32
}

// Stats is a point-in-time summary of an open store.
type Stats struct {
	Records int
	Index   hnsw.Stats
}

// Store coordinates the vector record store, the HNSW graph and the snapshot
// codec behind a single lifecycle. A Store owns its storage exclusively from
// Open until Close.
type Store struct {
	mu      sync.RWMutex
	storage storage.Storage
	graph   *hnsw.Index
	docIDs  map[uint64]string
	nextID  uint64
	closed  bool

	opts options

	reconcileCancel context.CancelFunc
	reconcileDone   chan struct{}
}

// OpenFile opens a store backed by a SQLite file at path, creating it if
// necessary. The file is held exclusively; a second OpenFile against the same
// path fails with ErrStorageAlreadyOpen while the first store is open.
func OpenFile(ctx context.Context, path string, optFns ...Option) (*Store, error) {
	st, err := storage.NewSQLite(ctx, path)
	if err != nil {
		return nil, translateError(err)
	}

	return Open(ctx, st, optFns...)
}

// Open opens a store on top of the given storage. The store takes ownership
// of the storage and releases it on Close, or immediately if initialization
// fails. If the storage holds a graph snapshot it is restored; if the
// snapshot is missing or corrupted the graph is rebuilt from vector records
// in ascending id order.
func Open(ctx context.Context, st storage.Storage, optFns ...Option) (*Store, error) {
	o := applyOptions(optFns)

	s := &Store{
		storage: st,
		docIDs:  make(map[uint64]string),
		opts:    o,
	}

	if err := s.load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	if o.reconcileInterval > 0 {
		s.startReconcileLoop(o.reconcileInterval)
	}

	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	records, err := s.storage.Records(ctx)
	if err != nil {
		return s.openError(ctx, err)
	}

	vectors := make(map[uint64][]float32, len(records))
	for _, rec := range records {
		vectors[rec.ID] = rec.Vector
		s.docIDs[rec.ID] = rec.DocumentID
		if rec.ID > s.nextID {
			s.nextID = rec.ID
		}
	}

	snap, err := s.storage.Snapshot(ctx)
	if err != nil {
		return s.openError(ctx, err)
	}

	lookup := func(id uint64) ([]float32, bool) {
		v, ok := vectors[id]
		return v, ok
	}

	if snap != nil {
		graph, err := s.restore(snap, lookup)
		if err == nil {
			// Persisted parameters are authoritative; a conflicting
			// configured dimension is a caller error, not a rebuild trigger.
			if s.opts.dimension > 0 && s.opts.dimension != graph.Dimension() {
				return &ErrDimensionMismatch{Expected: graph.Dimension(), Actual: s.opts.dimension}
			}
			s.graph = graph
			s.opts.logger.LogRecovery(ctx, len(records), false, nil)
			return nil
		}
		if errors.Is(err, hnsw.ErrUnsupportedSnapshotVersion) {
			return err
		}
		// Corrupted snapshot or stale topology. Fall through to a rebuild.
		s.opts.logger.WarnContext(ctx, "snapshot unusable, rebuilding graph", "error", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOpenCancelled, err)
	}

	graph, err := s.rebuild(records)
	if err != nil {
		s.opts.logger.LogRecovery(ctx, len(records), true, err)
		return err
	}
	s.graph = graph
	if len(records) > 0 {
		s.opts.logger.LogRecovery(ctx, len(records), true, nil)
	}
	return nil
}

func (s *Store) restore(container []byte, lookup hnsw.VectorLookup) (*hnsw.Index, error) {
	data, err := decompressSnapshot(container)
	if err != nil {
		return nil, err
	}
	return hnsw.DecodeSnapshot(data, lookup, s.graphOptions())
}

func (s *Store) rebuild(records []storage.Record) (*hnsw.Index, error) {
	if s.opts.dimension <= 0 && len(records) > 0 {
		s.opts.dimension = len(records[0].Vector)
	}

	graph, err := hnsw.New(s.graphOptions())
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if err := graph.Insert(rec.ID, rec.Vector); err != nil {
			return nil, translateError(err)
		}
	}
	return graph, nil
}

func (s *Store) graphOptions() func(o *hnsw.Options) {
	return func(o *hnsw.Options) {
		o.Dimension = s.opts.dimension
		o.M = s.opts.m
		o.EFConstruction = s.opts.efConstruction
		o.EFSearch = s.opts.efSearch
		o.Metric = s.opts.metric
		o.Heuristic = s.opts.heuristic
		o.RandomSeed = s.opts.randomSeed
	}
}

// openError maps context cancellation during Open to ErrOpenCancelled.
func (s *Store) openError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrOpenCancelled, err)
	}
	return translateError(err)
}

// UpsertVector stores a vector record for documentID and links it into the
// graph, returning the assigned vector id. Ids are assigned from a monotonic
// sequence. If the graph insert fails, the record write is rolled back so
// record store and graph never diverge.
func (s *Store) UpsertVector(ctx context.Context, documentID string, vector []float32) (uint64, error) {
	start := time.Now()

	id, err := s.upsertVector(ctx, documentID, vector)

	s.opts.metricsCollector.RecordUpsert(time.Since(start), err)
	s.opts.logger.LogUpsert(ctx, id, len(vector), err)

	return id, err
}

func (s *Store) upsertVector(ctx context.Context, documentID string, vector []float32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if len(vector) != s.graph.Dimension() {
		return 0, &ErrDimensionMismatch{Expected: s.graph.Dimension(), Actual: len(vector)}
	}

	id := s.nextID + 1

	rec := storage.Record{ID: id, DocumentID: documentID, Vector: vector}
	if err := s.storage.PutRecord(ctx, rec); err != nil {
		return 0, translateError(err)
	}

	if err := s.graph.Insert(id, vector); err != nil {
		// Roll back the record so the two stores stay consistent.
		if derr := s.storage.DeleteRecord(ctx, id); derr != nil {
			return 0, translateError(errors.Join(err, derr))
		}
		return 0, translateError(err)
	}

	s.nextID = id
	s.docIDs[id] = documentID

	return id, nil
}

// DeleteVector removes the vector with the given id from the graph and the
// record store. Deleting an absent id is a no-op. The graph node is removed
// first; if the record delete then fails, the orphaned record is left for
// Reconcile to collect.
func (s *Store) DeleteVector(ctx context.Context, id uint64) error {
	start := time.Now()

	err := s.deleteVector(ctx, id)

	s.opts.metricsCollector.RecordDelete(time.Since(start), err)
	s.opts.logger.LogDelete(ctx, id, err)

	return err
}

func (s *Store) deleteVector(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.graph.Delete(id); err != nil {
		return translateError(err)
	}
	delete(s.docIDs, id)

	return translateError(s.storage.DeleteRecord(ctx, id))
}

// Query returns the k approximate nearest neighbors of q, ascending by
// distance, with each id joined to its document id. ef overrides the search
// beam width; ef <= 0 uses the configured default. Ids without a backing
// record are skipped.
func (s *Store) Query(ctx context.Context, q []float32, k int, ef int) ([]SearchResult, error) {
	start := time.Now()

	results, err := s.query(q, k, ef)

	s.opts.metricsCollector.RecordSearch(k, time.Since(start), err)
	s.opts.logger.LogSearch(ctx, k, len(results), err)

	return results, err
}

func (s *Store) query(q []float32, k int, ef int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	neighbors, err := s.graph.KNNSearch(q, k, ef)
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]SearchResult, 0, len(neighbors))
	for _, n := range neighbors {
		docID, ok := s.docIDs[n.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ID:         n.ID,
			DocumentID: docID,
			Distance:   n.Distance,
		})
	}
	return results, nil
}

// QueryBatch runs one Query per input vector concurrently and returns the
// result sets in input order. The first error cancels the batch.
func (s *Store) QueryBatch(ctx context.Context, queries [][]float32, k int, ef int) ([][]SearchResult, error) {
	results := make([][]SearchResult, len(queries))

	g, ctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := s.Query(ctx, q, k, ef)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Save encodes the current graph and persists it as the storage snapshot,
// replacing any prior snapshot. The snapshot is consistent as of the moment
// Save acquires the write lock.
func (s *Store) Save(ctx context.Context) error {
	start := time.Now()

	size, err := s.save(ctx)

	s.opts.metricsCollector.RecordSave(time.Since(start), err)
	s.opts.logger.LogSave(ctx, size, err)

	return err
}

func (s *Store) save(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) (int, error) {
	data, err := s.graph.EncodeSnapshot()
	if err != nil {
		return 0, translateError(err)
	}

	container, err := compressSnapshot(data)
	if err != nil {
		return 0, err
	}

	if err := s.storage.PutSnapshot(ctx, container); err != nil {
		return 0, translateError(err)
	}
	return len(container), nil
}

// Stats returns a summary of the open store.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Stats{}, ErrClosed
	}

	return Stats{
		Records: len(s.docIDs),
		Index:   s.graph.Stats(),
	}, nil
}

// Close saves a final snapshot (unless disabled or ctx is already cancelled)
// and releases the storage. The storage is released even if the save fails.
// Close is idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.stopReconcileLoop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var saveErr error
	if s.opts.autoSaveOnClose && ctx.Err() == nil {
		_, saveErr = s.saveLocked(ctx)
		s.opts.logger.LogSave(ctx, 0, saveErr)
	}

	s.closed = true
	closeErr := s.storage.Close()

	return errors.Join(saveErr, closeErr)
}
