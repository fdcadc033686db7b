package index

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/storage"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

func newTestSource(t *testing.T, vectors [][]float32) *storage.List {
	t.Helper()
	l, err := storage.OpenTemp(storage.Options{EntriesCapacity: len(vectors) + 8})
	if err != nil {
		t.Fatalf("OpenTemp: %v", err)
	}
	t.Cleanup(func() { l.Dispose() })
	for _, v := range vectors {
		rec, err := vector.New(v, "")
		if err != nil {
			t.Fatalf("vector.New: %v", err)
		}
		if err := l.Add(rec); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return l
}

// TestThreeVectorKNNLinear is scenario S1.
func TestThreeVectorKNNLinear(t *testing.T) {
	src := newTestSource(t, [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}})
	lin := NewLinear()
	if err := lin.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}
	results, err := lin.Search([]float32{2, 3, 4}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	rec, _ := src.GetByID(results[0].ID)
	if rec.Values[0] != 1 {
		t.Errorf("expected v1 nearest, got %v", rec.Values)
	}
}

// TestRangeSearchOrigin is scenario S2.
func TestRangeSearchOrigin(t *testing.T) {
	src := newTestSource(t, [][]float32{
		{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 0}, {0, 2}, {3, 4}, {5, 0},
	})
	lin := NewLinear()
	if err := lin.Build(context.Background(), src, distance.NewEuclidean()); err != nil {
		t.Fatal(err)
	}
	results, err := lin.Range([]float32{0, 0}, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d: %+v", len(results), results)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("results not ascending by distance: %+v", results)
		}
	}
}

// TestKDTreeMatchesLinearRange is scenario S3.
func TestKDTreeMatchesLinearRange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vectors := make([][]float32, 1000)
	for i := range vectors {
		v := make([]float32, 10)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vectors[i] = v
	}
	src := newTestSource(t, vectors)
	calc := distance.NewEuclidean()

	kd := NewKDTree()
	if err := kd.Build(context.Background(), src, calc); err != nil {
		t.Fatal(err)
	}
	lin := NewLinear()
	if err := lin.Build(context.Background(), src, calc); err != nil {
		t.Fatal(err)
	}

	query := make([]float32, 10)
	for j := range query {
		query[j] = float32(rng.NormFloat64())
	}

	kdResults, err := kd.Range(query, 5)
	if err != nil {
		t.Fatal(err)
	}
	linResults, err := lin.Range(query, 5)
	if err != nil {
		t.Fatal(err)
	}

	kdSet := make(map[vector.ID]bool, len(kdResults))
	for _, r := range kdResults {
		kdSet[r.ID] = true
	}
	linSet := make(map[vector.ID]bool, len(linResults))
	for _, r := range linResults {
		linSet[r.ID] = true
	}
	if len(kdSet) != len(linSet) {
		t.Fatalf("kd-tree found %d, linear found %d", len(kdSet), len(linSet))
	}
	for id := range linSet {
		if !kdSet[id] {
			t.Errorf("id %v in linear range but missing from kd-tree range", id)
		}
	}
}

func TestKDTreeSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vectors := make([][]float32, 50)
	for i := range vectors {
		v := make([]float32, 4)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vectors[i] = v
	}
	src := newTestSource(t, vectors)
	calc := distance.NewEuclidean()

	kd := NewKDTree()
	if err := kd.Build(context.Background(), src, calc); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := kd.Save(&buf); err != nil {
		t.Fatal(err)
	}

	loaded := NewKDTree()
	if err := loaded.Load(&buf, src); err != nil {
		t.Fatal(err)
	}

	query := vectors[3]
	a, err := kd.Search(query, 3)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.Search(query, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("result count mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || math.Abs(float64(a[i].Distance-b[i].Distance)) > 1e-4 {
			t.Errorf("result %d mismatch: %+v vs %+v", i, a[i], b[i])
		}
	}
}
