package index

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/podcopic-labs/vecdb/internal/distance"
)

func TestLSHFindsNearDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	base := make([]float32, 32)
	for i := range base {
		base[i] = float32(rng.NormFloat64())
	}
	vectors := [][]float32{base}
	for i := 0; i < 50; i++ {
		v := make([]float32, 32)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vectors = append(vectors, v)
	}
	// A near-duplicate of base, small perturbation.
	near := append([]float32(nil), base...)
	near[0] += 0.001
	vectors = append(vectors, near)

	src := newTestSource(t, vectors)
	l := NewLSH(DefaultLSHParams())
	if err := l.Build(context.Background(), src, distance.NewCosine()); err != nil {
		t.Fatal(err)
	}

	results, err := l.Search(base, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected LSH to find candidates for near-identical query")
	}
}

func TestLSHEmptyCandidateSetReturnsEmpty(t *testing.T) {
	l := NewLSH(DefaultLSHParams())
	results, err := l.Search([]float32{1, 2, 3}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty, got %+v", results)
	}
}

func TestLSHSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	vectors := make([][]float32, 40)
	for i := range vectors {
		v := make([]float32, 16)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vectors[i] = v
	}
	src := newTestSource(t, vectors)
	l := NewLSH(DefaultLSHParams())
	if err := l.Build(context.Background(), src, distance.NewCosine()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := l.Save(&buf); err != nil {
		t.Fatal(err)
	}
	loaded := NewLSH(DefaultLSHParams())
	if err := loaded.Load(&buf, src); err != nil {
		t.Fatal(err)
	}

	a, err := l.Search(vectors[0], 5)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.Search(vectors[0], 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("result count mismatch: %d vs %d", len(a), len(b))
	}
}
