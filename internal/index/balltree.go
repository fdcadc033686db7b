package index

import (
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const ballTreeVersion uint32 = 1

// ballNode owns a computed centroid (not itself a vector-list member),
// a radius bounding every descendant, and two owned children. Leaves
// carry a small subset of vector references directly (spec §3, §4.E).
type ballNode struct {
	centroid    []float32
	radius      float32
	left, right *ballNode
	leaf        []vector.ID // non-nil only at leaves
}

// BallTree is a hierarchical bounding-ball tree, per spec §4.E.
type BallTree struct {
	root   *ballNode
	count  int
	source VectorSource
	calc   distance.Calculator
}

func NewBallTree() *BallTree { return &BallTree{} }

func (t *BallTree) Algorithm() Algorithm { return AlgoBallTree }
func (t *BallTree) Built() bool          { return t.root != nil }

type ballEntry struct {
	id     vector.ID
	values []float32
}

func (t *BallTree) Build(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	var entries []ballEntry
	for rec := range source.Iter() {
		entries = append(entries, ballEntry{id: rec.ID, values: rec.Values})
	}
	t.source, t.calc, t.count = source, calc, len(entries)
	if len(entries) == 0 {
		t.root = nil
		return nil
	}
	t.root = buildBall(entries)
	return nil
}

func buildBall(entries []ballEntry) *ballNode {
	centroid := meanOf(entries)
	radius := maxDistFromCentroid(entries, centroid)

	if len(entries) <= 1 {
		leaf := make([]vector.ID, len(entries))
		for i, e := range entries {
			leaf[i] = e.id
		}
		return &ballNode{centroid: centroid, radius: radius, leaf: leaf}
	}

	// Open Question (resolved, unchanged): split the ordered input into
	// two equal halves with no principal-axis ordering. Balanced depth,
	// weaker pruning — preserved per spec §9.
	mid := len(entries) / 2
	node := &ballNode{centroid: centroid, radius: radius}
	node.left = buildBall(entries[:mid])
	node.right = buildBall(entries[mid:])
	return node
}

func meanOf(entries []ballEntry) []float32 {
	dim := len(entries[0].values)
	sum := make([]float32, dim)
	for _, e := range entries {
		for i, v := range e.values {
			sum[i] += v
		}
	}
	n := float32(len(entries))
	for i := range sum {
		sum[i] /= n
	}
	return sum
}

func maxDistFromCentroid(entries []ballEntry, centroid []float32) float32 {
	var max float32
	for _, e := range entries {
		var sum float32
		for i, v := range e.values {
			d := v - centroid[i]
			sum += d * d
		}
		d := float32(math.Sqrt(float64(sum)))
		if d > max {
			max = d
		}
	}
	return max
}

func (t *BallTree) valuesOf(id vector.ID) ([]float32, bool) {
	rec, ok := t.source.GetByID(id)
	if !ok {
		return nil, false
	}
	return rec.Values, true
}

func (t *BallTree) Search(query []float32, k int) ([]Result, error) {
	if err := validateQuery("index.BallTree.Search", query, k); err != nil {
		return nil, err
	}
	if t.root == nil {
		return nil, nil
	}
	if k > t.count {
		k = t.count
	}
	h := newResultHeap[vector.ID](k)

	var visit func(n *ballNode)
	visit = func(n *ballNode) {
		if n == nil {
			return
		}
		centroidDist, err := t.calc.Distance(query, n.centroid)
		if err != nil {
			return
		}
		tau := h.Worst()
		if centroidDist > n.radius+tau {
			return // pruned: no descendant can beat the current k-th best
		}
		if n.leaf != nil {
			for _, id := range n.leaf {
				values, ok := t.valuesOf(id)
				if !ok {
					continue
				}
				d, err := t.calc.Distance(query, values)
				if err == nil {
					h.Offer(id, d)
				}
			}
			return
		}
		// Best-first: descend into the nearer child first.
		leftDist, lerr := t.calc.Distance(query, n.left.centroid)
		rightDist, rerr := t.calc.Distance(query, n.right.centroid)
		if lerr != nil || rerr != nil {
			return
		}
		if leftDist <= rightDist {
			visit(n.left)
			visit(n.right)
		} else {
			visit(n.right)
			visit(n.left)
		}
	}
	visit(t.root)

	sorted := h.Sorted()
	out := make([]Result, len(sorted))
	for i, c := range sorted {
		out[i] = Result{ID: c.key, Distance: c.distance}
	}
	return out, nil
}

// Save serializes the tree by pre-order traversal: centroid, radius,
// and either two-child marker or leaf id list.
func (t *BallTree) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, ballTreeVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.BallTree.Save", "write version", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t.count)); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.BallTree.Save", "write count", err)
	}

	var writeNode func(n *ballNode) error
	writeNode = func(n *ballNode) error {
		if n == nil {
			_, err := w.Write([]byte{0})
			return err
		}
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(n.centroid))); err != nil {
			return err
		}
		for _, v := range n.centroid {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, n.radius); err != nil {
			return err
		}
		if n.leaf != nil {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(n.leaf))); err != nil {
				return err
			}
			for _, id := range n.leaf {
				if _, err := w.Write(id[:]); err != nil {
					return err
				}
			}
			return nil
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(0xFFFFFFFF)); err != nil {
			return err
		}
		if err := writeNode(n.left); err != nil {
			return err
		}
		return writeNode(n.right)
	}
	if err := writeNode(t.root); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.BallTree.Save", "write nodes", err)
	}
	return nil
}

func (t *BallTree) Load(r io.Reader, source VectorSource) error {
	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.BallTree.Load", "read version", err)
	}
	if version != ballTreeVersion {
		return vdberr.New(vdberr.InvalidFormat, "index.BallTree.Load", "unsupported ball-tree version")
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.BallTree.Load", "read count", err)
	}

	var readNode func() (*ballNode, error)
	readNode = func() (*ballNode, error) {
		tag := make([]byte, 1)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, err
		}
		if tag[0] == 0 {
			return nil, nil
		}
		var dim uint32
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return nil, err
		}
		centroid := make([]float32, dim)
		for i := range centroid {
			if err := binary.Read(r, binary.LittleEndian, &centroid[i]); err != nil {
				return nil, err
			}
		}
		var radius float32
		if err := binary.Read(r, binary.LittleEndian, &radius); err != nil {
			return nil, err
		}
		var marker uint32
		if err := binary.Read(r, binary.LittleEndian, &marker); err != nil {
			return nil, err
		}
		node := &ballNode{centroid: centroid, radius: radius}
		if marker != 0xFFFFFFFF {
			leaf := make([]vector.ID, marker)
			for i := range leaf {
				if _, err := io.ReadFull(r, leaf[i][:]); err != nil {
					return nil, err
				}
			}
			node.leaf = leaf
			return node, nil
		}
		left, err := readNode()
		if err != nil {
			return nil, err
		}
		right, err := readNode()
		if err != nil {
			return nil, err
		}
		node.left, node.right = left, right
		return node, nil
	}

	root, err := readNode()
	if err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.BallTree.Load", "read nodes", err)
	}
	t.root = root
	t.count = int(count)
	t.source = source
	t.calc = distance.NewEuclidean()
	return nil
}
