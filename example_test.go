package hnswstore_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hupe1980/hnswstore"
	"github.com/hupe1980/hnswstore/storage"
)

func Example() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "hnswstore")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := hnswstore.OpenFile(ctx, filepath.Join(dir, "vectors.db"),
		hnswstore.WithDimension(3),
		hnswstore.WithRandomSeed(42),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close(ctx)

	if _, err := store.UpsertVector(ctx, "intro.md", []float32{1, 0, 0}); err != nil {
		log.Fatal(err)
	}
	if _, err := store.UpsertVector(ctx, "setup.md", []float32{0, 1, 0}); err != nil {
		log.Fatal(err)
	}

	results, err := store.Query(ctx, []float32{0.9, 0.1, 0}, 1, 0)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(results[0].DocumentID)
	// Output:
	// intro.md
}

func Example_inMemory() {
	ctx := context.Background()

	store, err := hnswstore.Open(ctx, storage.NewMemory(),
		hnswstore.WithDimension(3),
		hnswstore.WithRandomSeed(42),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close(ctx)

	id, err := store.UpsertVector(ctx, "notes.md", []float32{0, 0, 1})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(id)
	// Output:
	// 1
}
