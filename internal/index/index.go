// Package index implements the search index family: KD-tree, ball
// tree, HNSW, LSH, and the binary/product quantizers, sharing the
// build/query/serialize contract described in spec §2 and §4.D–§4.H.
package index

import (
	"context"
	"io"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/storage"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

// Algorithm names the closed set of index families dispatchable by
// the search service (spec §4.I).
type Algorithm int

const (
	AlgoKDTree Algorithm = iota
	AlgoBallTree
	AlgoLinear
	AlgoLSH
	AlgoHNSW
	AlgoBinaryQuantization
	AlgoProductQuantization
)

func (a Algorithm) String() string {
	switch a {
	case AlgoKDTree:
		return "KDTree"
	case AlgoBallTree:
		return "BallTree"
	case AlgoLinear:
		return "Linear"
	case AlgoLSH:
		return "LSH"
	case AlgoHNSW:
		return "HNSW"
	case AlgoBinaryQuantization:
		return "BinaryQuantization"
	case AlgoProductQuantization:
		return "ProductQuantization"
	default:
		return "Unknown"
	}
}

// Result is one ranked match: the vector's id and its distance to the
// query, per the requested Calculator.
type Result struct {
	ID       vector.ID
	Distance float32
}

// VectorSource is the subset of storage.List an index needs during
// build and query: id-keyed lookups and enumeration. Indexes hold only
// ids; this is a non-owning reference and must not outlive the list
// (spec §5).
type VectorSource interface {
	GetByID(id vector.ID) (*vector.Record, bool)
	Iter() func(yield func(*vector.Record) bool)
	Count() int
}

var _ VectorSource = (*storage.List)(nil)

// SearchIndex is the common contract every index family satisfies.
type SearchIndex interface {
	Algorithm() Algorithm
	// Built reports whether the index currently holds non-empty state
	// (spec §4.I: "An index counts as built if it holds non-empty state").
	Built() bool
	Build(ctx context.Context, source VectorSource, calc distance.Calculator) error
	Search(query []float32, k int) ([]Result, error)
	Save(w io.Writer) error
	Load(r io.Reader, source VectorSource) error
}

// RangeIndex is satisfied by index families that also support radius
// queries (KD-tree and linear; ball tree, LSH, HNSW and the quantizers
// do not implement Range).
type RangeIndex interface {
	SearchIndex
	Range(query []float32, r float32) ([]Result, error)
}

func validateQuery(op string, query []float32, k int) error {
	if query == nil {
		return vdberr.New(vdberr.InvalidArgument, op, "nil query vector")
	}
	if k <= 0 {
		return vdberr.New(vdberr.InvalidArgument, op, "k must be > 0")
	}
	return nil
}

func validateRange(op string, query []float32, r float32) error {
	if query == nil {
		return vdberr.New(vdberr.InvalidArgument, op, "nil query vector")
	}
	if r <= 0 {
		return vdberr.New(vdberr.InvalidArgument, op, "radius must be > 0")
	}
	return nil
}
