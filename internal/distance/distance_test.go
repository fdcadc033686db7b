package distance

import (
	"math"
	"testing"
)

func almostEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestEuclidean(t *testing.T) {
	c := NewEuclidean()
	d, err := c.Distance([]float32{0, 0}, []float32{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(d, 5) {
		t.Errorf("got %v want 5", d)
	}
}

func TestEuclideanDimensionMismatch(t *testing.T) {
	c := NewEuclidean()
	if _, err := c.Distance([]float32{0, 0}, []float32{1, 2, 3}); err == nil {
		t.Fatal("expected DimensionMismatch")
	}
}

func TestCosineIdentical(t *testing.T) {
	c := NewCosine()
	d, err := c.Distance([]float32{1, 2, 3}, []float32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(d, 0) {
		t.Errorf("got %v want 0", d)
	}
}

func TestManhattan(t *testing.T) {
	c := NewManhattan()
	d, err := c.Distance([]float32{0, 0}, []float32{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(d, 7) {
		t.Errorf("got %v want 7", d)
	}
}

func TestChebyshev(t *testing.T) {
	c := NewChebyshev()
	d, err := c.Distance([]float32{0, 0}, []float32{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(d, 4) {
		t.Errorf("got %v want 4", d)
	}
}

func TestMinkowskiMatchesEuclideanAtP2(t *testing.T) {
	e := NewEuclidean()
	m := NewMinkowski(2)
	q := []float32{1, 2, 3}
	tg := []float32{4, 5, 9}

	de, _ := e.Distance(q, tg)
	dm, _ := m.Distance(q, tg)
	if !almostEqual(de, dm) {
		t.Errorf("euclidean=%v minkowski(p=2)=%v, want equal", de, dm)
	}
}

func TestBatchMatchesScalar(t *testing.T) {
	for _, c := range []Calculator{NewEuclidean(), NewCosine(), NewManhattan(), NewChebyshev(), NewMinkowski(3)} {
		q := []float32{1, 2, 3, 4}
		targets := [][]float32{{1, 2, 3, 4}, {0, 0, 0, 0}, {5, 5, 5, 5}}
		batch, err := c.Distances(q, targets)
		if err != nil {
			t.Fatalf("%v: %v", c.Kind(), err)
		}
		for i, tg := range targets {
			scalar, err := c.Distance(q, tg)
			if err != nil {
				t.Fatal(err)
			}
			if !almostEqual(batch[i], scalar) {
				t.Errorf("%v: batch[%d]=%v scalar=%v", c.Kind(), i, batch[i], scalar)
			}
		}
	}
}

func TestOptimalBatchSizeMonotonic(t *testing.T) {
	c := NewEuclidean()
	prev := c.OptimalBatchSize(1)
	for _, d := range []int{2, 8, 32, 128, 1024} {
		cur := c.OptimalBatchSize(d)
		if cur > prev {
			t.Errorf("OptimalBatchSize(%d)=%d should not exceed OptimalBatchSize of smaller dim=%d", d, cur, prev)
		}
		prev = cur
	}
}
