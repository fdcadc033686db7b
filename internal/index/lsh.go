package index

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/podcopic-labs/vecdb/internal/distance"
	"github.com/podcopic-labs/vecdb/internal/vdberr"
	"github.com/podcopic-labs/vecdb/internal/vector"
)

const lshVersion uint32 = 1

// LSHParams configures the random-projection hash tables (spec §4.G).
type LSHParams struct {
	Tables int // L, default 10
	Bits   int // k, default 8, <= 30
	Seed   int64
}

func DefaultLSHParams() LSHParams { return LSHParams{Tables: 10, Bits: 8, Seed: 42} }

// LSH is the random-projection hash-table index of spec §4.G.
type LSH struct {
	params LSHParams

	// projections[t] holds the k normalized projection vectors for
	// table t; buckets[t][code] holds the member handles as a roaring
	// bitmap over dense enumeration-order handles.
	projections [][][]float32
	buckets     []map[uint32]*roaring.Bitmap

	handleToID []vector.ID
	idToHandle map[vector.ID]uint32

	dim    int
	source VectorSource
	calc   distance.Calculator
}

func NewLSH(params LSHParams) *LSH { return &LSH{params: params} }

func (l *LSH) Algorithm() Algorithm { return AlgoLSH }
func (l *LSH) Built() bool          { return len(l.handleToID) > 0 }

func (l *LSH) Build(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	l.source, l.calc = source, calc
	l.handleToID = nil
	l.idToHandle = make(map[vector.ID]uint32)
	l.buckets = make([]map[uint32]*roaring.Bitmap, l.params.Tables)
	for t := range l.buckets {
		l.buckets[t] = make(map[uint32]*roaring.Bitmap)
	}

	dim := 0
	for rec := range source.Iter() {
		if dim == 0 {
			dim = rec.Dim()
		}
		handle := uint32(len(l.handleToID))
		l.handleToID = append(l.handleToID, rec.ID)
		l.idToHandle[rec.ID] = handle
	}
	l.dim = dim
	if dim == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(l.params.Seed))
	l.projections = make([][][]float32, l.params.Tables)
	for t := 0; t < l.params.Tables; t++ {
		l.projections[t] = make([][]float32, l.params.Bits)
		for b := 0; b < l.params.Bits; b++ {
			l.projections[t][b] = randomUnitVector(rng, dim)
		}
	}

	for rec := range source.Iter() {
		handle := l.idToHandle[rec.ID]
		for t := 0; t < l.params.Tables; t++ {
			code := l.hashCode(rec.Values, t)
			bm, ok := l.buckets[t][code]
			if !ok {
				bm = roaring.New()
				l.buckets[t][code] = bm
			}
			bm.Add(handle)
		}
	}
	return nil
}

func randomUnitVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var sumSq float64
	for i := range v {
		x := rng.NormFloat64()
		v[i] = float32(x)
		sumSq += x * x
	}
	norm := float32(math.Sqrt(sumSq))
	if norm == 0 {
		norm = 1
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

func (l *LSH) hashCode(values []float32, table int) uint32 {
	var code uint32
	for b := 0; b < l.params.Bits; b++ {
		dot := dotProduct(values, l.projections[table][b])
		code <<= 1
		if dot >= 0 {
			code |= 1
		}
	}
	return code
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Search unions each table's bucket into a roaring-bitmap candidate
// set, then reranks by exact cosine distance (spec §4.G).
func (l *LSH) Search(query []float32, k int) ([]Result, error) {
	if err := validateQuery("index.LSH.Search", query, k); err != nil {
		return nil, err
	}
	if !l.Built() {
		return nil, nil
	}

	union := roaring.New()
	for t := 0; t < l.params.Tables; t++ {
		code := l.hashCode(query, t)
		if bm, ok := l.buckets[t][code]; ok {
			union.Or(bm)
		}
	}
	if union.IsEmpty() {
		return nil, nil
	}

	cosine := distance.NewCosine()
	type scored struct {
		id vector.ID
		d  float32
	}
	var candidates []scored
	it := union.Iterator()
	for it.HasNext() {
		handle := it.Next()
		id := l.handleToID[handle]
		rec, ok := l.source.GetByID(id)
		if !ok {
			continue
		}
		d, err := cosine.Distance(query, rec.Values)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{id: id, d: d})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].d < candidates[j].d })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{ID: c.id, Distance: c.d}
	}
	return out, nil
}

// Save implements the spec §9-resolved file layout: header (version,
// L, k, seed, dim, handle count), the id for each handle, then per
// table per bit the projection vector, then per table each non-empty
// bucket (code, member count, member handles).
func (l *LSH) Save(w io.Writer) error {
	bw := func(v any) error { return binary.Write(w, binary.LittleEndian, v) }
	if err := bw(lshVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.LSH.Save", "write version", err)
	}
	if err := bw(int32(l.params.Tables)); err != nil {
		return err
	}
	if err := bw(int32(l.params.Bits)); err != nil {
		return err
	}
	if err := bw(l.params.Seed); err != nil {
		return err
	}
	if err := bw(int32(l.dim)); err != nil {
		return err
	}
	if err := bw(int32(len(l.handleToID))); err != nil {
		return err
	}
	for _, id := range l.handleToID {
		if _, err := w.Write(id[:]); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, "index.LSH.Save", "write handle id", err)
		}
	}
	for t := 0; t < l.params.Tables; t++ {
		for b := 0; b < l.params.Bits; b++ {
			for _, v := range l.projections[t][b] {
				if err := bw(v); err != nil {
					return vdberr.Wrap(vdberr.IoFailure, "index.LSH.Save", "write projection", err)
				}
			}
		}
	}
	for t := 0; t < l.params.Tables; t++ {
		if err := bw(int32(len(l.buckets[t]))); err != nil {
			return err
		}
		for code, bm := range l.buckets[t] {
			if err := bw(code); err != nil {
				return err
			}
			members := bm.ToArray()
			if err := bw(int32(len(members))); err != nil {
				return err
			}
			for _, m := range members {
				if err := bw(m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *LSH) Load(r io.Reader, source VectorSource) error {
	br := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }
	var version uint32
	if err := br(&version); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.LSH.Load", "read version", err)
	}
	if version != lshVersion {
		return vdberr.New(vdberr.InvalidFormat, "index.LSH.Load", "unsupported lsh version")
	}
	var tables, bits, dim, handleCount int32
	var seed int64
	if err := br(&tables); err != nil {
		return err
	}
	if err := br(&bits); err != nil {
		return err
	}
	if err := br(&seed); err != nil {
		return err
	}
	if err := br(&dim); err != nil {
		return err
	}
	if err := br(&handleCount); err != nil {
		return err
	}

	handleToID := make([]vector.ID, handleCount)
	idToHandle := make(map[vector.ID]uint32, handleCount)
	for i := range handleToID {
		if _, err := io.ReadFull(r, handleToID[i][:]); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, "index.LSH.Load", "read handle id", err)
		}
		idToHandle[handleToID[i]] = uint32(i)
	}

	projections := make([][][]float32, tables)
	for t := range projections {
		projections[t] = make([][]float32, bits)
		for b := range projections[t] {
			vec := make([]float32, dim)
			for i := range vec {
				if err := br(&vec[i]); err != nil {
					return vdberr.Wrap(vdberr.InvalidFormat, "index.LSH.Load", "read projection", err)
				}
			}
			projections[t][b] = vec
		}
	}

	buckets := make([]map[uint32]*roaring.Bitmap, tables)
	for t := range buckets {
		var bucketCount int32
		if err := br(&bucketCount); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, "index.LSH.Load", "read bucket count", err)
		}
		buckets[t] = make(map[uint32]*roaring.Bitmap, bucketCount)
		for i := int32(0); i < bucketCount; i++ {
			var code uint32
			if err := br(&code); err != nil {
				return err
			}
			var memberCount int32
			if err := br(&memberCount); err != nil {
				return err
			}
			bm := roaring.New()
			for j := int32(0); j < memberCount; j++ {
				var m uint32
				if err := br(&m); err != nil {
					return err
				}
				bm.Add(m)
			}
			buckets[t][code] = bm
		}
	}

	l.params = LSHParams{Tables: int(tables), Bits: int(bits), Seed: seed}
	l.dim = int(dim)
	l.handleToID = handleToID
	l.idToHandle = idToHandle
	l.projections = projections
	l.buckets = buckets
	l.source = source
	l.calc = distance.NewCosine()
	return nil
}
