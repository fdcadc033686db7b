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

const productQuantizationVersion uint32 = 1

const pqSeed = 42
const pqMaxIterations = 50
const pqMaxCentroids = 256

// ProductQuantizer splits each vector into m equal sub-vectors, trains
// one codebook of up to 256 centroids per sub-vector position by Lloyd's
// k-means, and codes each vector as m bytes (spec §4.H).
type ProductQuantizer struct {
	m         int
	subDim    int
	codebooks [][][]float32 // codebooks[i] = up to 256 centroids of dim subDim
	codes     map[vector.ID][]byte
	order     []vector.ID

	source VectorSource
	calc   distance.Calculator
}

// NewProductQuantizer auto-chooses m such that d/m is in [4,16] and
// d mod m == 0 (else the largest valid divisor), per spec §4.H.
func NewProductQuantizer(dim int) (*ProductQuantizer, error) {
	m, err := chooseM(dim)
	if err != nil {
		return nil, err
	}
	return &ProductQuantizer{m: m, subDim: dim / m}, nil
}

func chooseM(dim int) (int, error) {
	if dim <= 0 {
		return 0, vdberr.New(vdberr.InvalidArgument, "index.NewProductQuantizer", "dimension must be >= 1")
	}
	best := 0
	for m := 1; m <= dim; m++ {
		if dim%m != 0 {
			continue
		}
		sub := dim / m
		if sub >= 4 && sub <= 16 {
			if m > best {
				best = m
			}
		}
	}
	if best == 0 {
		// No m yields a sub-dimension in [4,16]; fall back to the
		// largest divisor of dim (spec: "else the largest valid divisor").
		for m := dim; m >= 1; m-- {
			if dim%m == 0 {
				best = m
				break
			}
		}
	}
	if best == 0 || dim%best != 0 {
		return 0, vdberr.New(vdberr.InvalidArgument, "index.NewProductQuantizer", "dimension not divisible by any valid m")
	}
	return best, nil
}

func (p *ProductQuantizer) Algorithm() Algorithm { return AlgoProductQuantization }
func (p *ProductQuantizer) Built() bool          { return len(p.order) > 0 }

func (p *ProductQuantizer) Build(ctx context.Context, source VectorSource, calc distance.Calculator) error {
	p.source, p.calc = source, calc
	p.codes = make(map[vector.ID][]byte)
	p.order = nil

	var all []*vector.Record
	for rec := range source.Iter() {
		all = append(all, rec)
		p.order = append(p.order, rec.ID)
	}
	if len(all) == 0 {
		return nil
	}

	p.codebooks = make([][][]float32, p.m)
	rng := rand.New(rand.NewSource(pqSeed))
	for i := 0; i < p.m; i++ {
		subs := make([][]float32, len(all))
		for j, rec := range all {
			subs[j] = rec.Values[i*p.subDim : (i+1)*p.subDim]
		}
		p.codebooks[i] = kmeans(subs, pqMaxCentroids, pqMaxIterations, rng)
	}

	for _, rec := range all {
		code := make([]byte, p.m)
		for i := 0; i < p.m; i++ {
			sub := rec.Values[i*p.subDim : (i+1)*p.subDim]
			code[i] = byte(nearestCentroid(sub, p.codebooks[i]))
		}
		p.codes[rec.ID] = code
	}
	return nil
}

// kmeans trains up to maxK centroids (fewer if there are fewer points)
// via Lloyd's algorithm with a fixed seed, for up to
// maxIterations passes or until assignments stabilize.
func kmeans(points [][]float32, maxK, maxIterations int, rng *rand.Rand) [][]float32 {
	k := maxK
	if k > len(points) {
		k = len(points)
	}
	if k == 0 {
		return nil
	}
	dim := len(points[0])

	centroids := make([][]float32, k)
	perm := rng.Perm(len(points))
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), points[perm[i]]...)
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for pi, pt := range points {
			best, bestDist := 0, float32(math.MaxFloat32)
			for ci, c := range centroids {
				d := sqDist(pt, c)
				if d < bestDist {
					best, bestDist = ci, d
				}
			}
			if assignments[pi] != best {
				assignments[pi] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float32, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for pi, pt := range points {
			c := assignments[pi]
			counts[c]++
			for d, v := range pt {
				sums[c][d] += v
			}
		}
		for ci := range centroids {
			if counts[ci] == 0 {
				continue // keep previous centroid; empty cluster
			}
			for d := range centroids[ci] {
				centroids[ci][d] = sums[ci][d] / float32(counts[ci])
			}
		}
	}
	return centroids
}

func sqDist(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func nearestCentroid(sub []float32, codebook [][]float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for ci, c := range codebook {
		d := sqDist(sub, c)
		if d < bestDist {
			best, bestDist = ci, d
		}
	}
	return best
}

// Search precomputes m lookup tables LUT_i[c] = ||q_i - centroid_{i,c}||^2,
// scores every coded vector as sqrt(sum LUT_i[code[i]]), and returns
// the top-k original vectors (spec §4.H).
func (p *ProductQuantizer) Search(query []float32, k int) ([]Result, error) {
	if err := validateQuery("index.ProductQuantizer.Search", query, k); err != nil {
		return nil, err
	}
	if !p.Built() {
		return nil, nil
	}

	luts := make([][]float32, p.m)
	for i := 0; i < p.m; i++ {
		sub := query[i*p.subDim : (i+1)*p.subDim]
		lut := make([]float32, len(p.codebooks[i]))
		for c, centroid := range p.codebooks[i] {
			lut[c] = sqDist(sub, centroid)
		}
		luts[i] = lut
	}

	type scored struct {
		id vector.ID
		d  float32
	}
	scoredAll := make([]scored, 0, len(p.order))
	for _, id := range p.order {
		code := p.codes[id]
		var sum float32
		for i, c := range code {
			sum += luts[i][c]
		}
		scoredAll = append(scoredAll, scored{id: id, d: float32(math.Sqrt(float64(sum)))})
	}
	sort.Slice(scoredAll, func(i, j int) bool { return scoredAll[i].d < scoredAll[j].d })
	if len(scoredAll) > k {
		scoredAll = scoredAll[:k]
	}
	out := make([]Result, len(scoredAll))
	for i, s := range scoredAll {
		out[i] = Result{ID: s.id, Distance: s.d}
	}
	return out, nil
}

func (p *ProductQuantizer) Save(w io.Writer) error {
	bw := func(v any) error { return binary.Write(w, binary.LittleEndian, v) }
	if err := bw(productQuantizationVersion); err != nil {
		return vdberr.Wrap(vdberr.IoFailure, "index.ProductQuantizer.Save", "write version", err)
	}
	if err := bw(int32(p.m)); err != nil {
		return err
	}
	if err := bw(int32(p.subDim)); err != nil {
		return err
	}
	for i := 0; i < p.m; i++ {
		if err := bw(int32(len(p.codebooks[i]))); err != nil {
			return err
		}
		for _, centroid := range p.codebooks[i] {
			for _, v := range centroid {
				if err := bw(v); err != nil {
					return err
				}
			}
		}
	}
	if err := bw(int32(len(p.order))); err != nil {
		return err
	}
	for _, id := range p.order {
		if _, err := w.Write(id[:]); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, "index.ProductQuantizer.Save", "write id", err)
		}
		if _, err := w.Write(p.codes[id]); err != nil {
			return vdberr.Wrap(vdberr.IoFailure, "index.ProductQuantizer.Save", "write code", err)
		}
	}
	return nil
}

func (p *ProductQuantizer) Load(r io.Reader, source VectorSource) error {
	br := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }
	var version uint32
	if err := br(&version); err != nil {
		return vdberr.Wrap(vdberr.InvalidFormat, "index.ProductQuantizer.Load", "read version", err)
	}
	if version != productQuantizationVersion {
		return vdberr.New(vdberr.InvalidFormat, "index.ProductQuantizer.Load", "unsupported pq version")
	}
	var m, subDim int32
	if err := br(&m); err != nil {
		return err
	}
	if err := br(&subDim); err != nil {
		return err
	}

	codebooks := make([][][]float32, m)
	for i := range codebooks {
		var centroidCount int32
		if err := br(&centroidCount); err != nil {
			return err
		}
		centroids := make([][]float32, centroidCount)
		for c := range centroids {
			vec := make([]float32, subDim)
			for d := range vec {
				if err := br(&vec[d]); err != nil {
					return err
				}
			}
			centroids[c] = vec
		}
		codebooks[i] = centroids
	}

	var count int32
	if err := br(&count); err != nil {
		return err
	}
	codes := make(map[vector.ID][]byte, count)
	order := make([]vector.ID, 0, count)
	for i := int32(0); i < count; i++ {
		var id vector.ID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, "index.ProductQuantizer.Load", "read id", err)
		}
		code := make([]byte, m)
		if _, err := io.ReadFull(r, code); err != nil {
			return vdberr.Wrap(vdberr.InvalidFormat, "index.ProductQuantizer.Load", "read code", err)
		}
		codes[id] = code
		order = append(order, id)
	}

	p.m = int(m)
	p.subDim = int(subDim)
	p.codebooks = codebooks
	p.codes = codes
	p.order = order
	p.source = source
	p.calc = distance.NewEuclidean()
	return nil
}
