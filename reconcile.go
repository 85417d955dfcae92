package hnswstore

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/time/rate"
)

// Reconcile scans the record store for records with no corresponding graph
// node and removes them. Such orphans only arise when a DeleteVector removed
// the graph node but failed before removing the record. Returns the number
// of orphaned records removed.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	start := time.Now()

	orphans, err := s.reconcile(ctx)

	s.opts.metricsCollector.RecordReconcile(orphans, time.Since(start), err)
	s.opts.logger.LogReconcile(ctx, orphans, err)

	return orphans, err
}

func (s *Store) reconcile(ctx context.Context) (int, error) {
	var limiter *rate.Limiter
	if s.opts.reconcileRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.reconcileRate), 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	membership := roaring64.New()
	for _, id := range s.graph.IDs() {
		membership.Add(id)
	}

	records, err := s.storage.Records(ctx)
	if err != nil {
		return 0, translateError(err)
	}

	orphans := 0
	for _, rec := range records {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return orphans, err
			}
		}
		if membership.Contains(rec.ID) {
			continue
		}
		if err := s.storage.DeleteRecord(ctx, rec.ID); err != nil {
			return orphans, translateError(err)
		}
		delete(s.docIDs, rec.ID)
		orphans++
	}

	return orphans, nil
}

func (s *Store) startReconcileLoop(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.reconcileCancel = cancel
	s.reconcileDone = make(chan struct{})

	go func() {
		defer close(s.reconcileDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.Reconcile(ctx)
			}
		}
	}()
}

func (s *Store) stopReconcileLoop() {
	if s.reconcileCancel == nil {
		return
	}
	s.reconcileCancel()
	<-s.reconcileDone
	s.reconcileCancel = nil
}
