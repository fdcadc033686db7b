package index

import (
	"context"
	"testing"

	"github.com/podcopic-labs/vecdb/internal/distance"
)

// TestBinaryQuantizationHamming is scenario S6.
func TestBinaryQuantizationHamming(t *testing.T) {
	v1 := []float32{1, 1, 1, 1}
	v2 := []float32{-1, -1, -1, -1}
	v3 := []float32{1, -1, 1, -1}

	h := func(a, b []float32) int {
		return hammingDistance(packBits(a, 0), packBits(b, 0))
	}
	if got := h(v1, v2); got != 4 {
		t.Errorf("H(v1,v2)=%d, want 4", got)
	}
	if got := h(v1, v3); got != 2 {
		t.Errorf("H(v1,v3)=%d, want 2", got)
	}
	if got := h(v2, v3); got != 2 {
		t.Errorf("H(v2,v3)=%d, want 2", got)
	}
}

func TestBinaryQuantizerSearchFindsExactMatch(t *testing.T) {
	src := newTestSource(t, [][]float32{
		{1, 1, 1, 1}, {-1, -1, -1, -1}, {1, -1, 1, -1}, {2, 2, 2, 2},
	})
	bq := NewBinaryQuantizer(0)
	if err := bq.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}
	results, err := bq.Search([]float32{1, 1, 1, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestChooseMRejectsZeroDimension(t *testing.T) {
	// A prime dimension still has m=1 and m=d as divisors, so
	// chooseM never fails on d >= 1; it falls back to m=d when no
	// divisor lands a sub-dimension in [4,16].
	if _, err := chooseM(0); err == nil {
		t.Error("expected error for dimension 0")
	}
}

func TestProductQuantizerSearchApproximatesExact(t *testing.T) {
	vectors := [][]float32{
		{0, 0, 0, 0, 0, 0, 0, 0},
		{1, 1, 1, 1, 1, 1, 1, 1},
		{5, 5, 5, 5, 5, 5, 5, 5},
		{10, 10, 10, 10, 10, 10, 10, 10},
	}
	src := newTestSource(t, vectors)
	pq, err := NewProductQuantizer(8)
	if err != nil {
		t.Fatal(err)
	}
	if err := pq.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}
	results, err := pq.Search([]float32{1, 1, 1, 1, 1, 1, 1, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	rec, _ := src.GetByID(results[0].ID)
	if rec.Values[0] != 1 {
		t.Errorf("expected exact match on (1,1,...), got %v", rec.Values)
	}
}

func TestNewProductQuantizerInvalidDimension(t *testing.T) {
	if _, err := NewProductQuantizer(0); err == nil {
		t.Error("expected InvalidArgument for dimension 0")
	}
}
