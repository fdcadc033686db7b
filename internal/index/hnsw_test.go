package index

import (
	"bytes"
	"context"
	"testing"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

// TestHNSWRoundTrip is scenario S5.
func TestHNSWRoundTrip(t *testing.T) {
	src := newTestSource(t, [][]float32{{0, 0}, {1, 1}, {5, 5}})
	h := NewHNSW(DefaultHNSWParams())
	if err := h.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := h.Save(&buf); err != nil {
		t.Fatal(err)
	}

	loaded := NewHNSW(DefaultHNSWParams())
	if err := loaded.Load(&buf, src); err != nil {
		t.Fatal(err)
	}

	if len(loaded.pool) != len(h.pool) {
		t.Errorf("node count mismatch: %d vs %d", len(loaded.pool), len(h.pool))
	}
	if loaded.maxLayer != h.maxLayer {
		t.Errorf("max layer mismatch: %d vs %d", loaded.maxLayer, h.maxLayer)
	}
	if loaded.entryPoint != h.entryPoint || loaded.hasEntry != h.hasEntry {
		t.Errorf("entry point mismatch: %v/%v vs %v/%v", loaded.entryPoint, loaded.hasEntry, h.entryPoint, h.hasEntry)
	}

	a, err := h.Search([]float32{0.5, 0.5}, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.Search([]float32{0.5, 0.5}, 2)
	if err != nil {
		t.Fatal(err)
	}
	aSet := map[vector.ID]bool{}
	for _, r := range a {
		aSet[r.ID] = true
	}
	for _, r := range b {
		if !aSet[r.ID] {
			t.Errorf("loaded result %v absent from original search", r.ID)
		}
	}
}

func TestHNSWSingleVectorReturnsItForAnyQuery(t *testing.T) {
	src := newTestSource(t, [][]float32{{3, 4}})
	h := NewHNSW(DefaultHNSWParams())
	if err := h.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}
	results, err := h.Search([]float32{100, -100}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestHNSWEmptyIndexReturnsEmpty(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams())
	results, err := h.Search([]float32{1, 2}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty results, got %+v", results)
	}
}

func TestHNSWBuildAsyncCancellation(t *testing.T) {
	vectors := make([][]float32, 100)
	for i := range vectors {
		vectors[i] = []float32{float32(i), float32(i + 1)}
	}
	src := newTestSource(t, vectors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := NewHNSW(DefaultHNSWParams())
	err := h.BuildAsync(ctx, src, distance.NewEuclidean())
	if err == nil {
		t.Fatal("expected Cancelled error")
	}
}

func TestHNSWSaveAsyncLoadAsyncRoundTrip(t *testing.T) {
	src := newTestSource(t, [][]float32{{0, 0}, {1, 1}, {5, 5}})
	h := NewHNSW(DefaultHNSWParams())
	if err := h.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := h.SaveAsync(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}

	loaded := NewHNSW(DefaultHNSWParams())
	if err := loaded.LoadAsync(context.Background(), &buf, src); err != nil {
		t.Fatal(err)
	}
	if len(loaded.pool) != len(h.pool) {
		t.Errorf("node count mismatch: %d vs %d", len(loaded.pool), len(h.pool))
	}
	if loaded.entryPoint != h.entryPoint || loaded.hasEntry != h.hasEntry {
		t.Errorf("entry point mismatch: %v/%v vs %v/%v", loaded.entryPoint, loaded.hasEntry, h.entryPoint, h.hasEntry)
	}
}

func TestHNSWSaveAsyncCancellation(t *testing.T) {
	vectors := make([][]float32, 100)
	for i := range vectors {
		vectors[i] = []float32{float32(i), float32(i + 1)}
	}
	src := newTestSource(t, vectors)
	h := NewHNSW(DefaultHNSWParams())
	if err := h.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if err := h.SaveAsync(ctx, &buf); err == nil {
		t.Fatal("expected Cancelled error")
	}
}

func TestHNSWLoadAsyncCancellation(t *testing.T) {
	vectors := make([][]float32, 100)
	for i := range vectors {
		vectors[i] = []float32{float32(i), float32(i + 1)}
	}
	src := newTestSource(t, vectors)
	h := NewHNSW(DefaultHNSWParams())
	if err := h.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := h.Save(&buf); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loaded := NewHNSW(DefaultHNSWParams())
	if err := loaded.LoadAsync(ctx, &buf, src); err == nil {
		t.Fatal("expected Cancelled error")
	}
}
