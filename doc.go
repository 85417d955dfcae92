// Package hnswstore provides a persistent approximate nearest neighbor store.
//
// Vectors are indexed in an in-memory HNSW graph for sub-linear k-NN queries
// and durably kept as records in an embedded SQLite database, together with a
// compressed snapshot of the graph topology. On open, the graph is restored
// from the snapshot, or rebuilt from the vector records when the snapshot is
// missing or unusable.
//
// Basic usage:
//
//	store, err := hnswstore.OpenFile(ctx, "vectors.db", hnswstore.WithDimension(128))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close(ctx)
//
//	id, err := store.UpsertVector(ctx, "doc-1", embedding)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	results, err := store.Query(ctx, query, 10, 0)
//	for _, r := range results {
//	    fmt.Println(r.DocumentID, r.Distance)
//	}
package hnswstore
