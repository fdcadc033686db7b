package index

import (
	"context"
	"encoding/binary"
	"io"
	"sort"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const kdTreeVersion uint32 = 1

// kdNode owns one vector reference by id; children are owned by the
// parent (spec §3).
type kdNode struct {
	id          vector.ID
	axis        int
	left, right *kdNode
}

// KDTree is a median-split binary tree over the vector list, per
// spec §4.D.
type KDTree struct {
	root   *kdNode
	dim    int
	count  int
	source VectorSource
	calc   distance.Calculator
}

func NewKDTree() *KDTree { return &KDTree{} }

func (t *KDTree) Algorithm() Algorithm { return AlgoKDTree }
func (t *KDTree) Built() bool          { return t.root != nil }

func (t *KDTree) Build(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	type entry struct {
		id     vector.ID
		values []float32
	}
	var entries []entry
	for rec := range source.Iter() {
		entries = append(entries, entry{id: rec.ID, values: rec.Values})
	}
	if len(entries) == 0 {
		t.root, t.dim, t.count = nil, 0, 0
		t.source, t.calc = source, calc
		return nil
	}
	dim := len(entries[0].values)

	var build func(items []entry, depth int) *kdNode
	build = func(items []entry, depth int) *kdNode {
		if len(items) == 0 {
			return nil
		}
		axis := depth % dim
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].values[axis] < items[j].values[axis]
		})
		mid := len(items) / 2
		node := &kdNode{id: items[mid].id, axis: axis}
		node.left = build(items[:mid], depth+1)
		node.right = build(items[mid+1:], depth+1)
		return node
	}

	t.root = build(entries, 0)
	t.dim = dim
	t.count = len(entries)
	t.source = source
	t.calc = calc
	return nil
}

func (t *KDTree) valuesOf(id vector.ID) ([]float32, bool) {
	rec, ok := t.source.GetByID(id)
	if !ok {
		return nil, false
	}
	return rec.Values, true
}

func (t *KDTree) Search(query []float32, k int) ([]Result, error) {
	if err := validateQuery("index.KDTree.Search", query, k); err != nil {
		return nil, err
	}
	if t.root == nil {
		return nil, nil
	}
	if k > t.count {
		k = t.count
	}
	h := newResultHeap[vector.ID](k)

	var visit func(n *kdNode)
	visit = func(n *kdNode) {
		if n == nil {
			return
		}
		values, ok := t.valuesOf(n.id)
		if !ok {
			return
		}
		d, err := t.calc.Distance(query, values)
		if err != nil {
			return
		}
		h.Offer(n.id, d)

		diff := query[n.axis] - values[n.axis]
		near, far := n.left, n.right
		if diff > 0 {
			near, far = n.right, n.left
		}
		visit(near)
		if absf32(diff) < h.Worst() || !h.Full() {
			visit(far)
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

func (t *KDTree) Range(query []float32, r float32) ([]Result, error) {
	if err := validateRange("index.KDTree.Range", query, r); err != nil {
		return nil, err
	}
	if t.root == nil {
		return nil, nil
	}
	var out []Result

	var visit func(n *kdNode)
	visit = func(n *kdNode) {
		if n == nil {
			return
		}
		values, ok := t.valuesOf(n.id)
		if !ok {
			return
		}
		d, err := t.calc.Distance(query, values)
		if err == nil && d <= r {
			out = append(out, Result{ID: n.id, Distance: d})
		}

		diff := query[n.axis] - values[n.axis]
		near, far := n.left, n.right
		if diff > 0 {
			near, far = n.right, n.left
		}
		visit(near)
		if absf32(diff) <= r {
			visit(far)
		}
	}
	visit(t.root)

	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func absf32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// Save serializes a pre-order traversal of node ids (spec §4.D): the
// axis/split structure is re-derived from tree shape plus dimension on
// load, so only ids are written.
func (t *KDTree) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, kdTreeVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.KDTree.Save", "write version", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t.dim)); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.KDTree.Save", "write dim", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t.count)); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.KDTree.Save", "write count", err)
	}

	var writeNode func(n *kdNode) error
	writeNode = func(n *kdNode) error {
		if n == nil {
			if _, err := w.Write([]byte{0}); err != nil {
				return err
			}
			return nil
		}
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		if _, err := w.Write(n.id[:]); err != nil {
			return err
		}
		if err := writeNode(n.left); err != nil {
			return err
		}
		return writeNode(n.right)
	}
	if err := writeNode(t.root); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.KDTree.Save", "write nodes", err)
	}
	return nil
}

// Load reconstructs the tree from a pre-order stream, re-deriving each
// node's split axis from its depth (`depth mod dim`, spec §4.D).
func (t *KDTree) Load(r io.Reader, source VectorSource) error {
	var version, dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.KDTree.Load", "read version", err)
	}
	if version != kdTreeVersion {
		return vdberr.New(vdberr.InvalidFormat, "index.KDTree.Load", "unsupported kd-tree version")
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.KDTree.Load", "read dim", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.KDTree.Load", "read count", err)
	}

	var readNode func(depth int) (*kdNode, error)
	readNode = func(depth int) (*kdNode, error) {
		tag := make([]byte, 1)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, err
		}
		if tag[0] == 0 {
			return nil, nil
		}
		var id vector.ID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, err
		}
		node := &kdNode{id: id, axis: depth % int(dim)}
		left, err := readNode(depth + 1)
		if err != nil {
			return nil, err
		}
		right, err := readNode(depth + 1)
		if err != nil {
			return nil, err
		}
		node.left, node.right = left, right
		return node, nil
	}

	root, err := readNode(0)
	if err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.KDTree.Load", "read nodes", err)
	}
	t.root = root
	t.dim = int(dim)
	t.count = int(count)
	t.source = source
	t.calc = distance.NewEuclidean()
	return nil
}
