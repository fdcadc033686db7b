// Package distance provides the pluggable scalar and batch distance
// calculators shared by every index in the index family.
package distance

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek"

	"github.com/podcopic-labs/vecdb/internal/vdberr"
)

// Kind identifies one of the closed set of distance variants. A closed
// tagged set rather than an open plugin interface, per the spec's own
// design note on polymorphic distance calculators: performance and
// serialization stability both want a fixed variant set.
type Kind int

const (
	Euclidean Kind = iota
	Cosine
	Manhattan
	Chebyshev
	Minkowski
)

func (k Kind) String() string {
	switch k {
	case Euclidean:
		return "Euclidean"
	case Cosine:
		return "Cosine"
	case Manhattan:
		return "Manhattan"
	case Chebyshev:
		return "Chebyshev"
	case Minkowski:
		return "Minkowski"
	default:
		return "Unknown"
	}
}

// Calculator computes distance between a query and one or more targets.
// The batch form is the performance path: implementations should use
// blocked/SIMD-friendly access (vek) rather than a naive scalar loop.
type Calculator interface {
	Kind() Kind
	Distance(query, target []float32) (float32, error)
	Distances(query []float32, targets [][]float32) ([]float32, error)
	// OptimalBatchSize returns a hint, monotonically non-increasing in d,
	// for how many targets to process per Distances call.
	OptimalBatchSize(dim int) int
}

func checkDims(op string, query, target []float32) error {
	if len(query) != len(target) {
		return vdberr.New(vdberr.DimensionMismatch, op, "query and target dimensionality differ")
	}
	return nil
}

// defaultOptimalBatchSize implements the monotonic-non-increasing-in-d
// contract with a simple cache-footprint heuristic: keep the working set
// of a batch (targets * dim * 4 bytes) inside a fixed budget.
func defaultOptimalBatchSize(dim int) int {
	const budgetBytes = 256 * 1024
	if dim <= 0 {
		dim = 1
	}
	n := budgetBytes / (dim * 4)
	if n < 1 {
		n = 1
	}
	if n > 4096 {
		n = 4096
	}
	return n
}

// --- Euclidean ---

type euclidean struct{}

// NewEuclidean returns the √Σ(q−t)² calculator.
func NewEuclidean() Calculator { return euclidean{} }

func (euclidean) Kind() Kind { return Euclidean }

func (euclidean) Distance(query, target []float32) (float32, error) {
	if err := checkDims("distance.Euclidean", query, target); err != nil {
		return 0, err
	}
	var sum float32
	for i := range query {
		d := query[i] - target[i]
		sum += d * d
	}
	return math32.Sqrt(sum), nil
}

func (e euclidean) Distances(query []float32, targets [][]float32) ([]float32, error) {
	out := make([]float32, len(targets))
	batch := e.OptimalBatchSize(len(query))
	diff := make([]float32, len(query))
	for start := 0; start < len(targets); start += batch {
		end := start + batch
		if end > len(targets) {
			end = len(targets)
		}
		for i := start; i < end; i++ {
			if err := checkDims("distance.Euclidean", query, targets[i]); err != nil {
				return nil, err
			}
			vek.Sub_Into(diff, query, targets[i])
			out[i] = math32.Sqrt(vek.Dot(diff, diff))
		}
	}
	return out, nil
}

func (euclidean) OptimalBatchSize(dim int) int { return defaultOptimalBatchSize(dim) }

// --- Cosine ---

type cosine struct{}

// NewCosine returns the 1 − q·t/(‖q‖‖t‖) calculator.
func NewCosine() Calculator { return cosine{} }

func (cosine) Kind() Kind { return Cosine }

func (cosine) Distance(query, target []float32) (float32, error) {
	if err := checkDims("distance.Cosine", query, target); err != nil {
		return 0, err
	}
	dot := vek.Dot(query, target)
	qn := vek.Norm(query)
	tn := vek.Norm(target)
	if qn == 0 || tn == 0 {
		return 1, nil
	}
	return 1 - dot/(qn*tn), nil
}

func (c cosine) Distances(query []float32, targets [][]float32) ([]float32, error) {
	out := make([]float32, len(targets))
	qn := vek.Norm(query)
	for i, t := range targets {
		if err := checkDims("distance.Cosine", query, t); err != nil {
			return nil, err
		}
		tn := vek.Norm(t)
		if qn == 0 || tn == 0 {
			out[i] = 1
			continue
		}
		out[i] = 1 - vek.Dot(query, t)/(qn*tn)
	}
	return out, nil
}

func (cosine) OptimalBatchSize(dim int) int { return defaultOptimalBatchSize(dim) }

// --- Manhattan ---

type manhattan struct{}

// NewManhattan returns the Σ|q−t| calculator.
func NewManhattan() Calculator { return manhattan{} }

func (manhattan) Kind() Kind { return Manhattan }

func (manhattan) Distance(query, target []float32) (float32, error) {
	if err := checkDims("distance.Manhattan", query, target); err != nil {
		return 0, err
	}
	var sum float32
	for i := range query {
		sum += math32.Abs(query[i] - target[i])
	}
	return sum, nil
}

func (m manhattan) Distances(query []float32, targets [][]float32) ([]float32, error) {
	out := make([]float32, len(targets))
	for i, t := range targets {
		d, err := m.Distance(query, t)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (manhattan) OptimalBatchSize(dim int) int { return defaultOptimalBatchSize(dim) }

// --- Chebyshev ---

type chebyshev struct{}

// NewChebyshev returns the max|q−t| calculator.
func NewChebyshev() Calculator { return chebyshev{} }

func (chebyshev) Kind() Kind { return Chebyshev }

func (chebyshev) Distance(query, target []float32) (float32, error) {
	if err := checkDims("distance.Chebyshev", query, target); err != nil {
		return 0, err
	}
	var maxAbs float32
	for i := range query {
		d := math32.Abs(query[i] - target[i])
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs, nil
}

func (c chebyshev) Distances(query []float32, targets [][]float32) ([]float32, error) {
	out := make([]float32, len(targets))
	for i, t := range targets {
		d, err := c.Distance(query, t)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (chebyshev) OptimalBatchSize(dim int) int { return defaultOptimalBatchSize(dim) }

// --- Minkowski ---

type minkowski struct{ p float32 }

// NewMinkowski returns the (Σ|q−t|^p)^(1/p) calculator for the given p.
func NewMinkowski(p float32) Calculator { return minkowski{p: p} }

func (minkowski) Kind() Kind { return Minkowski }

func (m minkowski) Distance(query, target []float32) (float32, error) {
	if err := checkDims("distance.Minkowski", query, target); err != nil {
		return 0, err
	}
	var sum float32
	for i := range query {
		sum += math32.Pow(math32.Abs(query[i]-target[i]), m.p)
	}
	return math32.Pow(sum, 1/m.p), nil
}

func (m minkowski) Distances(query []float32, targets [][]float32) ([]float32, error) {
	out := make([]float32, len(targets))
	for i, t := range targets {
		d, err := m.Distance(query, t)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (minkowski) OptimalBatchSize(dim int) int { return defaultOptimalBatchSize(dim) }
