package index

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sort"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const hnswVersion uint32 = 1

// HNSWParams configures graph construction (spec §4.F). Zero value is
// not valid; use DefaultHNSWParams / HighAccuracyHNSWParams /
// HighSpeedHNSWParams.
type HNSWParams struct {
	M              int
	MaxM0          int
	EfConstruction int
	Ef             int
	ML             float64
	Seed           int64
}

func DefaultHNSWParams() HNSWParams {
	return HNSWParams{M: 16, MaxM0: 32, EfConstruction: 200, Ef: 200, ML: 1 / math.Ln2, Seed: 42}
}

// HighAccuracy trades build/query time for recall.
func HighAccuracyHNSWParams() HNSWParams {
	p := DefaultHNSWParams()
	p.M, p.MaxM0, p.Ef = 32, 64, 400
	return p
}

// HighSpeed trades recall for build/query time.
func HighSpeedHNSWParams() HNSWParams {
	p := DefaultHNSWParams()
	p.M, p.MaxM0, p.Ef = 8, 16, 100
	return p
}

// hnswHandle is the dense integer key into the node pool (spec §3, §9:
// "model as an arena keyed by integer handles, edges as sets of handles").
type hnswHandle int32

// hnswNode is (id, max_layer, per-layer neighbor set), owned by the pool.
type hnswNode struct {
	id        vector.ID
	values    []float32
	maxLayer  int
	neighbors [][]hnswHandle // neighbors[layer] = adjacency at that layer
}

// HNSW is the layered proximity graph of spec §4.F.
type HNSW struct {
	params HNSWParams
	rng    *rand.Rand

	pool        []*hnswNode
	entryPoint  hnswHandle
	hasEntry    bool
	maxLayer    int

	source VectorSource
	calc   distance.Calculator
}

func NewHNSW(params HNSWParams) *HNSW {
	return &HNSW{params: params, rng: rand.New(rand.NewSource(params.Seed)), entryPoint: -1}
}

func (h *HNSW) Algorithm() Algorithm { return AlgoHNSW }
func (h *HNSW) Built() bool          { return len(h.pool) > 0 }

func (h *HNSW) randomLevel() int {
	// P(level) ∝ exp(-level/mL), capped at 16 per spec §4.F step 1.
	level := int(math.Floor(-math.Log(h.rng.Float64()) * h.params.ML))
	if level > 16 {
		level = 16
	}
	return level
}

// Build runs the full synchronous insert sequence over every record in
// source, in enumeration order.
func (h *HNSW) Build(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	h.source, h.calc = source, calc
	h.pool = nil
	h.entryPoint, h.hasEntry, h.maxLayer = -1, false, 0
	for rec := range source.Iter() {
		if err := h.insert(rec.ID, rec.Values); err != nil {
			return err
		}
	}
	return nil
}

// BuildAsync is the cooperative, cancellable counterpart demanded by
// spec §5: it yields (checks ctx.Done()) every 10 inserts. On
// cancellation it returns Cancelled, leaving whatever was inserted so
// far in place — per spec §5 the caller must treat a cancelled build
// as "no index built" and discard this instance.
func (h *HNSW) BuildAsync(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	h.source, h.calc = source, calc
	h.pool = nil
	h.entryPoint, h.hasEntry, h.maxLayer = -1, false, 0

	count := 0
	for rec := range source.Iter() {
		if count%10 == 0 {
			select {
			case <-ctx.Done():
				return vdberr.Wrap(vdberr.Cancelled, "index.HNSW.BuildAsync", "build cancelled", ctx.Err())
			default:
			}
		}
		if err := h.insert(rec.ID, rec.Values); err != nil {
			return err
		}
		count++
	}
	return nil
}

func (h *HNSW) insert(id vector.ID, values []float32) error {
	if values == nil {
		return vdberr.New(vdberr.InvalidArgument, "index.HNSW.insert", "nil vector")
	}
	level := h.randomLevel()
	node := &hnswNode{id: id, values: values, maxLayer: level, neighbors: make([][]hnswHandle, level+1)}
	handle := hnswHandle(len(h.pool))
	h.pool = append(h.pool, node)

	if !h.hasEntry {
		h.entryPoint, h.hasEntry, h.maxLayer = handle, true, level
		return nil
	}

	prevEntry, prevMaxLayer := h.entryPoint, h.maxLayer
	if level > h.maxLayer {
		h.entryPoint, h.maxLayer = handle, level
	}

	cur := prevEntry
	// Greedy-descend from the graph's previous top layer to level+1,
	// width 1 (spec §4.F step 4).
	for layer := prevMaxLayer; layer > level; layer-- {
		cur = h.greedyClosest(cur, values, layer)
	}

	// From layer min(ℓ, previous max_layer) down to 0, connect (step 5).
	top := level
	if prevMaxLayer < top {
		top = prevMaxLayer
	}
	for layer := top; layer >= 0; layer-- {
		candidates := h.searchLayer(values, []hnswHandle{cur}, h.params.EfConstruction, layer, handle)
		budget := h.params.M
		if layer == 0 {
			budget = h.params.MaxM0
		}
		best := selectBest(candidates, budget)
		for _, nb := range best {
			h.addEdge(handle, nb, layer)
			h.addEdge(nb, handle, layer)
			h.pruneNeighbors(nb, layer)
		}
		if len(best) > 0 {
			cur = best[0]
		}
	}
	return nil
}

func (h *HNSW) distanceTo(handle hnswHandle, query []float32) float32 {
	d, err := h.calc.Distance(query, h.pool[handle].values)
	if err != nil {
		return float32(math.Inf(1))
	}
	return d
}

func (h *HNSW) greedyClosest(from hnswHandle, query []float32, layer int) hnswHandle {
	current := from
	currentDist := h.distanceTo(current, query)
	improved := true
	for improved {
		improved = false
		for _, nb := range h.neighborsAt(current, layer) {
			d := h.distanceTo(nb, query)
			if d < currentDist {
				current, currentDist = nb, d
				improved = true
			}
		}
	}
	return current
}

func (h *HNSW) neighborsAt(handle hnswHandle, layer int) []hnswHandle {
	node := h.pool[handle]
	if layer >= len(node.neighbors) {
		return nil
	}
	return node.neighbors[layer]
}

func (h *HNSW) addEdge(a, b hnswHandle, layer int) {
	node := h.pool[a]
	if layer >= len(node.neighbors) {
		return
	}
	for _, existing := range node.neighbors[layer] {
		if existing == b {
			return
		}
	}
	node.neighbors[layer] = append(node.neighbors[layer], b)
}

// pruneNeighbors trims handle's adjacency at layer back to its budget,
// keeping the nearest edges (spec §4.F step 6).
func (h *HNSW) pruneNeighbors(handle hnswHandle, layer int) {
	node := h.pool[handle]
	budget := h.params.M
	if layer == 0 {
		budget = h.params.MaxM0
	}
	edges := node.neighbors[layer]
	if len(edges) <= budget {
		return
	}
	type scored struct {
		handle hnswHandle
		d      float32
	}
	scoredEdges := make([]scored, len(edges))
	for i, e := range edges {
		scoredEdges[i] = scored{handle: e, d: h.distanceTo(e, node.values)}
	}
	sort.Slice(scoredEdges, func(i, j int) bool { return scoredEdges[i].d < scoredEdges[j].d })
	kept := make([]hnswHandle, budget)
	for i := 0; i < budget; i++ {
		kept[i] = scoredEdges[i].handle
	}
	node.neighbors[layer] = kept
}

// searchLayer maintains a result max-heap (size <= numClosest) and a
// candidate min-heap, per spec §4.F. exclude is an optional handle to
// skip (the node being inserted, not yet wired to itself).
func (h *HNSW) searchLayer(query []float32, entryPoints []hnswHandle, numClosest, layer int, exclude hnswHandle) []hnswHandle {
	visited := make(map[hnswHandle]bool)
	result := newResultHeap[hnswHandle](numClosest)
	candidates := newMinHeap()

	for _, ep := range entryPoints {
		if ep == exclude || visited[ep] {
			continue
		}
		visited[ep] = true
		d := h.distanceTo(ep, query)
		candidates.push(ep, d)
		result.Offer(ep, d)
	}

	for candidates.Len() > 0 {
		topHandle, topDist := candidates.peek()
		if result.Full() && topDist > result.Worst() {
			break
		}
		candidates.pop()
		for _, nb := range h.neighborsAt(topHandle, layer) {
			if nb == exclude || visited[nb] {
				continue
			}
			visited[nb] = true
			d := h.distanceTo(nb, query)
			if !result.Full() || d < result.Worst() {
				candidates.push(nb, d)
				result.Offer(nb, d)
			}
		}
	}

	sorted := result.Sorted()
	out := make([]hnswHandle, len(sorted))
	for i, c := range sorted {
		out[i] = c.key
	}
	return out
}

func selectBest(candidates []hnswHandle, budget int) []hnswHandle {
	if len(candidates) <= budget {
		return candidates
	}
	return candidates[:budget]
}

// Search runs width-1 descent from max_layer down to layer 1, then
// ef = max(k, configured ef) at layer 0 (spec §4.F).
func (h *HNSW) Search(query []float32, k int) ([]Result, error) {
	if err := validateQuery("index.HNSW.Search", query, k); err != nil {
		return nil, err
	}
	if !h.hasEntry {
		return nil, nil
	}
	cur := h.entryPoint
	for layer := h.maxLayer; layer > 0; layer-- {
		cur = h.greedyClosest(cur, query, layer)
	}

	ef := h.params.Ef
	if k > ef {
		ef = k
	}
	candidates := h.searchLayer(query, []hnswHandle{cur}, ef, 0, -1)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Result, len(candidates))
	for i, handle := range candidates {
		node := h.pool[handle]
		out[i] = Result{ID: node.id, Distance: h.distanceTo(handle, query)}
	}
	return out, nil
}

// writeHeader writes version, node count, max_layer, entry point,
// and params — shared by Save and SaveAsync.
func (h *HNSW) writeHeader(w io.Writer) error {
	bw := func(v any) error { return binary.Write(w, binary.LittleEndian, v) }
	if err := bw(hnswVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.HNSW.Save", "write version", err)
	}
	if err := bw(uint32(len(h.pool))); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.HNSW.Save", "write node count", err)
	}
	if err := bw(int32(h.maxLayer)); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.HNSW.Save", "write max layer", err)
	}
	ep := int32(-1)
	if h.hasEntry {
		ep = int32(h.entryPoint)
	}
	if err := bw(ep); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.HNSW.Save", "write entry point", err)
	}
	if err := bw(int32(h.params.M)); err != nil {
		return err
	}
	if err := bw(int32(h.params.MaxM0)); err != nil {
		return err
	}
	if err := bw(int32(h.params.EfConstruction)); err != nil {
		return err
	}
	if err := bw(int32(h.params.Ef)); err != nil {
		return err
	}
	if err := bw(h.params.ML); err != nil {
		return err
	}
	if err := bw(h.params.Seed); err != nil {
		return err
	}
	return nil
}

// writeHNSWNode writes one node's (handle, vector id, max_layer, per-layer
// adjacency) — shared by Save and SaveAsync.
func writeHNSWNode(w io.Writer, handle int, node *hnswNode) error {
	bw := func(v any) error { return binary.Write(w, binary.LittleEndian, v) }
	if err := bw(int32(handle)); err != nil {
		return err
	}
	if _, err := w.Write(node.id[:]); err != nil {
		return err
	}
	if err := bw(int32(node.maxLayer)); err != nil {
		return err
	}
	for layer := 0; layer <= node.maxLayer; layer++ {
		edges := node.neighbors[layer]
		if err := bw(int32(len(edges))); err != nil {
			return err
		}
		for _, e := range edges {
			if err := bw(int32(e)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Save writes the header (version, node count, max_layer, entry point,
// params) then per-node (id, vector id, max_layer, per-layer adjacency).
func (h *HNSW) Save(w io.Writer) error {
	if err := h.writeHeader(w); err != nil {
		return err
	}
	for handle, node := range h.pool {
		if err := writeHNSWNode(w, handle, node); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, "index.HNSW.Save", "write node", err)
		}
	}
	return nil
}

// SaveAsync is the cooperative, cancellable counterpart to Save (spec
// §5: "async save/load yields between nodes"). It checks ctx.Done()
// before each node and returns Cancelled mid-stream, leaving the
// writer holding a truncated, unusable file — callers must discard it
// on cancellation.
func (h *HNSW) SaveAsync(ctx context.Context, w io.Writer) error {
	if err := h.writeHeader(w); err != nil {
		return err
	}
	for handle, node := range h.pool {
		select {
		case <-ctx.Done():
			return vdberr.Wrap(vdberr.Cancelled, "index.HNSW.SaveAsync", "save cancelled", ctx.Err())
		default:
		}
		if err := writeHNSWNode(w, handle, node); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, "index.HNSW.SaveAsync", "write node", err)
		}
	}
	return nil
}

// hnswHeader is the parsed Load/LoadAsync header.
type hnswHeader struct {
	nodeCount  uint32
	maxLayer   int32
	entryPoint int32
	params     HNSWParams
}

func readHNSWHeader(r io.Reader) (hnswHeader, error) {
	br := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }
	var hdr hnswHeader
	var version uint32
	if err := br(&version); err != nil {
		return hdr, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read version", err)
	}
	if version != hnswVersion {
		return hdr, vdberr.New(vdberr.InvalidFormat, "index.HNSW.Load", "unsupported hnsw version")
	}
	if err := br(&hdr.nodeCount); err != nil {
		return hdr, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read node count", err)
	}
	if err := br(&hdr.maxLayer); err != nil {
		return hdr, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read max layer", err)
	}
	if err := br(&hdr.entryPoint); err != nil {
		return hdr, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read entry point", err)
	}
	var m, maxM0, efc, ef int32
	var mL float64
	var seed int64
	if err := br(&m); err != nil {
		return hdr, err
	}
	if err := br(&maxM0); err != nil {
		return hdr, err
	}
	if err := br(&efc); err != nil {
		return hdr, err
	}
	if err := br(&ef); err != nil {
		return hdr, err
	}
	if err := br(&mL); err != nil {
		return hdr, err
	}
	if err := br(&seed); err != nil {
		return hdr, err
	}
	hdr.params = HNSWParams{M: int(m), MaxM0: int(maxM0), EfConstruction: int(efc), Ef: int(ef), ML: mL, Seed: seed}
	return hdr, nil
}

// readHNSWNode reads one node's (handle, vector id, max_layer,
// per-layer adjacency) and resolves it against source; nodes
// referencing missing ids come back with a nil node (spec §4.F).
func readHNSWNode(r io.Reader, source VectorSource) (int32, *hnswNode, error) {
	br := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }
	var handle int32
	if err := br(&handle); err != nil {
		return 0, nil, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read handle", err)
	}
	var id vector.ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return 0, nil, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read vector id", err)
	}
	var nodeMaxLayer int32
	if err := br(&nodeMaxLayer); err != nil {
		return 0, nil, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read node max layer", err)
	}
	neighbors := make([][]hnswHandle, nodeMaxLayer+1)
	for layer := int32(0); layer <= nodeMaxLayer; layer++ {
		var edgeCount int32
		if err := br(&edgeCount); err != nil {
			return 0, nil, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read edge count", err)
		}
		edges := make([]hnswHandle, edgeCount)
		for j := range edges {
			var e int32
			if err := br(&e); err != nil {
				return 0, nil, vdberr.Wrap(vdberr.InvalidFormat, "index.HNSW.Load", "read edge", err)
			}
			edges[j] = hnswHandle(e)
		}
		neighbors[layer] = edges
	}

	rec, ok := source.GetByID(id)
	if !ok {
		return handle, nil, nil
	}
	return handle, &hnswNode{id: id, values: rec.Values, maxLayer: int(nodeMaxLayer), neighbors: neighbors}, nil
}

// finishLoad drops edges pointing at skipped (missing) nodes and
// installs pool/params/entry point onto h — shared tail of Load and
// LoadAsync.
func (h *HNSW) finishLoad(pool []*hnswNode, hdr hnswHeader, source VectorSource) {
	for _, node := range pool {
		if node == nil {
			continue
		}
		for layer := range node.neighbors {
			kept := node.neighbors[layer][:0]
			for _, e := range node.neighbors[layer] {
				if int(e) < len(pool) && pool[e] != nil {
					kept = append(kept, e)
				}
			}
			node.neighbors[layer] = kept
		}
	}

	h.pool = pool
	h.params = hdr.params
	h.rng = rand.New(rand.NewSource(hdr.params.Seed))
	h.maxLayer = int(hdr.maxLayer)
	h.source = source
	h.calc = distance.NewEuclidean()
	if hdr.entryPoint >= 0 && int(hdr.entryPoint) < len(pool) && pool[hdr.entryPoint] != nil {
		h.entryPoint, h.hasEntry = hnswHandle(hdr.entryPoint), true
	} else {
		h.hasEntry = false
	}
}

// Load resolves vector ids against source; nodes referencing missing
// ids are skipped (spec §4.F).
func (h *HNSW) Load(r io.Reader, source VectorSource) error {
	hdr, err := readHNSWHeader(r)
	if err != nil {
		return err
	}
	pool := make([]*hnswNode, 0, hdr.nodeCount)
	for i := uint32(0); i < hdr.nodeCount; i++ {
		_, node, err := readHNSWNode(r, source)
		if err != nil {
			return err
		}
		pool = append(pool, node)
	}
	h.finishLoad(pool, hdr, source)
	return nil
}

// LoadAsync is the cooperative, cancellable counterpart to Load (spec
// §5: "async save/load yields between nodes"). On cancellation it
// returns Cancelled, leaving h's prior state untouched — nothing is
// installed onto h until every node has been read.
func (h *HNSW) LoadAsync(ctx context.Context, r io.Reader, source VectorSource) error {
	hdr, err := readHNSWHeader(r)
	if err != nil {
		return err
	}
	pool := make([]*hnswNode, 0, hdr.nodeCount)
	for i := uint32(0); i < hdr.nodeCount; i++ {
		select {
		case <-ctx.Done():
			return vdberr.Wrap(vdberr.Cancelled, "index.HNSW.LoadAsync", "load cancelled", ctx.Err())
		default:
		}
		_, node, err := readHNSWNode(r, source)
		if err != nil {
			return err
		}
		pool = append(pool, node)
	}
	h.finishLoad(pool, hdr, source)
	return nil
}
